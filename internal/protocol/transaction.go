package protocol

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

const (
	// PacketDataSize is the largest serialized transaction the network accepts.
	PacketDataSize = 1232

	maxAccountKeys = 256
)

var (
	ErrShortBuffer      = errors.New("short buffer")
	ErrBadCompactU16    = errors.New("malformed compact-u16")
	ErrTooManyAccounts  = errors.New("transaction references more than 256 accounts")
	ErrNoInstructions   = errors.New("transaction has no instructions")
	ErrMissingSigner    = errors.New("no key supplied for required signer")
	ErrNotASigner       = errors.New("key is not a required signer")
	ErrTrailingBytes    = errors.New("trailing bytes after transaction")
	ErrBadAccountIndex  = errors.New("instruction references unknown account index")
	ErrSignatureMissing = errors.New("transaction is not fully signed")
)

type MessageHeader struct {
	NumRequiredSignatures uint8
	NumReadonlySigned     uint8
	NumReadonlyUnsigned   uint8
}

// CompiledInstruction is an Instruction with accounts replaced by indices
// into Message.AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is the signed portion of a legacy transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []Pubkey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

// Transaction is a message plus one signature per required signer, in
// AccountKeys order.
type Transaction struct {
	Signatures []Signature
	Message    Message
}

// NewTransaction compiles instructions into an unsigned transaction paid for
// by feePayer. Account keys are ordered writable signers, readonly signers,
// writable non-signers, readonly non-signers, with the fee payer first and
// first-seen order kept inside each group.
func NewTransaction(instructions []Instruction, recentBlockhash Hash, feePayer Pubkey) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}

	type entry struct {
		meta  AccountMeta
		order int
	}
	index := make(map[Pubkey]*entry)
	var ordered []*entry
	add := func(m AccountMeta) {
		if e, ok := index[m.Pubkey]; ok {
			e.meta.IsSigner = e.meta.IsSigner || m.IsSigner
			e.meta.IsWritable = e.meta.IsWritable || m.IsWritable
			return
		}
		e := &entry{meta: m, order: len(ordered)}
		index[m.Pubkey] = e
		ordered = append(ordered, e)
	}

	add(AccountMeta{Pubkey: feePayer, IsSigner: true, IsWritable: true})
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			add(acc)
		}
		add(AccountMeta{Pubkey: ix.ProgramID})
	}
	if len(ordered) > maxAccountKeys {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(ordered))
	}

	var groups [4][]Pubkey
	var header MessageHeader
	for i, e := range ordered {
		g := 3
		switch {
		case i == 0 || (e.meta.IsSigner && e.meta.IsWritable):
			g = 0
		case e.meta.IsSigner:
			g = 1
			header.NumReadonlySigned++
		case e.meta.IsWritable:
			g = 2
		default:
			header.NumReadonlyUnsigned++
		}
		groups[g] = append(groups[g], e.meta.Pubkey)
	}
	header.NumRequiredSignatures = uint8(len(groups[0]) + len(groups[1]))

	keys := make([]Pubkey, 0, len(ordered))
	for _, g := range groups {
		keys = append(keys, g...)
	}
	position := make(map[Pubkey]uint8, len(keys))
	for i, k := range keys {
		position[k] = uint8(i)
	}

	compiled := make([]CompiledInstruction, len(instructions))
	for i, ix := range instructions {
		accounts := make([]uint8, len(ix.Accounts))
		for j, acc := range ix.Accounts {
			accounts[j] = position[acc.Pubkey]
		}
		data := make([]byte, len(ix.Data))
		copy(data, ix.Data)
		compiled[i] = CompiledInstruction{
			ProgramIDIndex: position[ix.ProgramID],
			Accounts:       accounts,
			Data:           data,
		}
	}

	return &Transaction{
		Signatures: make([]Signature, header.NumRequiredSignatures),
		Message: Message{
			Header:          header,
			AccountKeys:     keys,
			RecentBlockhash: recentBlockhash,
			Instructions:    compiled,
		},
	}, nil
}

// Serialize encodes the message bytes that signers sign.
func (m *Message) Serialize() []byte {
	buf := make([]byte, 0, m.serializedLen())
	buf = append(buf, m.Header.NumRequiredSignatures, m.Header.NumReadonlySigned, m.Header.NumReadonlyUnsigned)
	buf = appendCompactU16(buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = appendCompactU16(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = appendCompactU16(buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		buf = appendCompactU16(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf
}

func (m *Message) serializedLen() int {
	n := 3 + compactU16Len(len(m.AccountKeys)) + PubkeySize*len(m.AccountKeys) + HashSize
	n += compactU16Len(len(m.Instructions))
	for _, ix := range m.Instructions {
		n += 1 + compactU16Len(len(ix.Accounts)) + len(ix.Accounts) + compactU16Len(len(ix.Data)) + len(ix.Data)
	}
	return n
}

// IsSigner reports whether AccountKeys[i] must sign.
func (m *Message) IsSigner(i int) bool {
	return i < int(m.Header.NumRequiredSignatures)
}

// IsWritable reports whether AccountKeys[i] may be modified by the transaction.
func (m *Message) IsWritable(i int) bool {
	numSigners := int(m.Header.NumRequiredSignatures)
	if i < numSigners {
		return i < numSigners-int(m.Header.NumReadonlySigned)
	}
	return i < len(m.AccountKeys)-int(m.Header.NumReadonlyUnsigned)
}

// FeePayer returns the first account key.
func (m *Message) FeePayer() Pubkey {
	if len(m.AccountKeys) == 0 {
		return Pubkey{}
	}
	return m.AccountKeys[0]
}

// Resolve expands a compiled instruction back into program id and metas.
func (m *Message) Resolve(ci CompiledInstruction) (Instruction, error) {
	if int(ci.ProgramIDIndex) >= len(m.AccountKeys) {
		return Instruction{}, fmt.Errorf("%w: program index %d", ErrBadAccountIndex, ci.ProgramIDIndex)
	}
	metas := make([]AccountMeta, len(ci.Accounts))
	for i, idx := range ci.Accounts {
		if int(idx) >= len(m.AccountKeys) {
			return Instruction{}, fmt.Errorf("%w: %d", ErrBadAccountIndex, idx)
		}
		metas[i] = AccountMeta{
			Pubkey:     m.AccountKeys[idx],
			IsSigner:   m.IsSigner(int(idx)),
			IsWritable: m.IsWritable(int(idx)),
		}
	}
	return Instruction{
		ProgramID: m.AccountKeys[ci.ProgramIDIndex],
		Accounts:  metas,
		Data:      ci.Data,
	}, nil
}

// Sign fills in the signature slot of every supplied key. Keys that are not
// required signers are rejected. Slots without a key stay zero; see IsSigned.
func (tx *Transaction) Sign(signers ...Keypair) error {
	msg := tx.Message.Serialize()
	for _, kp := range signers {
		pub := kp.PublicKey()
		idx := -1
		for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
			if tx.Message.AccountKeys[i] == pub {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrNotASigner, pub)
		}
		tx.Signatures[idx] = kp.Sign(msg)
	}
	return nil
}

// IsSigned reports whether every required signature slot is populated.
func (tx *Transaction) IsSigned() bool {
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return false
	}
	for _, s := range tx.Signatures {
		if s.IsZero() {
			return false
		}
	}
	return true
}

// VerifySignatures checks every signature against the message with verify.
// The devnet supplies a consensus-grade verifier; callers can pass
// ed25519.Verify.
func (tx *Transaction) VerifySignatures(verify func(pub ed25519.PublicKey, msg, sig []byte) bool) error {
	if !tx.IsSigned() {
		return ErrSignatureMissing
	}
	msg := tx.Message.Serialize()
	for i, sig := range tx.Signatures {
		pub := tx.Message.AccountKeys[i]
		if !verify(ed25519.PublicKey(pub[:]), msg, sig[:]) {
			return fmt.Errorf("%w: signer %s", ErrInvalidSignature, pub)
		}
	}
	return nil
}

// ID returns the fee payer signature, which identifies the transaction.
func (tx *Transaction) ID() Signature {
	if len(tx.Signatures) == 0 {
		return Signature{}
	}
	return tx.Signatures[0]
}

// Serialize encodes signatures followed by the message.
func (tx *Transaction) Serialize() []byte {
	msg := tx.Message.Serialize()
	buf := make([]byte, 0, compactU16Len(len(tx.Signatures))+SignatureSize*len(tx.Signatures)+len(msg))
	buf = appendCompactU16(buf, len(tx.Signatures))
	for _, s := range tx.Signatures {
		buf = append(buf, s[:]...)
	}
	return append(buf, msg...)
}

// Size is the serialized length; unsigned slots count as full signatures.
func (tx *Transaction) Size() int {
	return compactU16Len(len(tx.Signatures)) + SignatureSize*len(tx.Signatures) + tx.Message.serializedLen()
}

// InstructionCount returns the number of top-level instructions.
func (tx *Transaction) InstructionCount() int {
	return len(tx.Message.Instructions)
}

// DecodeTransaction parses the wire format produced by Serialize.
func DecodeTransaction(b []byte) (*Transaction, error) {
	r := &reader{buf: b}

	numSigs := r.compact()
	tx := &Transaction{Signatures: make([]Signature, 0, numSigs)}
	for i := 0; i < numSigs && r.err == nil; i++ {
		var s Signature
		copy(s[:], r.take(SignatureSize))
		tx.Signatures = append(tx.Signatures, s)
	}

	m := &tx.Message
	hdr := r.take(3)
	if r.err == nil {
		m.Header = MessageHeader{hdr[0], hdr[1], hdr[2]}
	}
	numKeys := r.compact()
	for i := 0; i < numKeys && r.err == nil; i++ {
		var k Pubkey
		copy(k[:], r.take(PubkeySize))
		m.AccountKeys = append(m.AccountKeys, k)
	}
	copy(m.RecentBlockhash[:], r.take(HashSize))
	numIx := r.compact()
	for i := 0; i < numIx && r.err == nil; i++ {
		var ci CompiledInstruction
		if p := r.take(1); r.err == nil {
			ci.ProgramIDIndex = p[0]
		}
		n := r.compact()
		ci.Accounts = append([]uint8(nil), r.take(n)...)
		n = r.compact()
		ci.Data = append([]byte(nil), r.take(n)...)
		m.Instructions = append(m.Instructions, ci)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode transaction: %w", r.err)
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("decode transaction: %w (%d)", ErrTrailingBytes, len(b)-r.off)
	}
	if int(m.Header.NumRequiredSignatures) > len(m.AccountKeys) {
		return nil, fmt.Errorf("decode transaction: %w: %d signers, %d keys", ErrBadAccountIndex,
			m.Header.NumRequiredSignatures, len(m.AccountKeys))
	}
	return tx, nil
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) compact() int {
	if r.err != nil {
		return 0
	}
	v, n, err := readCompactU16(r.buf[r.off:])
	if err != nil {
		r.err = err
		return 0
	}
	r.off += n
	return v
}
