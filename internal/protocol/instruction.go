package protocol

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation inside a transaction.
// Accounts keep the order the program expects.
type Instruction struct {
	ProgramID Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

func Meta(pk Pubkey, signer, writable bool) AccountMeta {
	return AccountMeta{Pubkey: pk, IsSigner: signer, IsWritable: writable}
}

// appendCompactU16 appends the ledger's variable-length u16 encoding
// (7 bits per byte, high bit = continuation).
func appendCompactU16(buf []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// compactU16Len is the encoded length of n.
func compactU16Len(n int) int {
	switch {
	case n < 0x80:
		return 1
	case n < 0x4000:
		return 2
	default:
		return 3
	}
}

// readCompactU16 decodes a compact-u16 from the front of b and returns the
// value and the number of bytes consumed.
func readCompactU16(b []byte) (int, int, error) {
	var v, shift int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortBuffer
		}
		v |= int(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrBadCompactU16
}
