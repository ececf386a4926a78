package distributor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// Default column names and their accepted aliases.
const (
	DefaultAddressColumn = "wallet_address"
	DefaultIDColumn      = "id"
)

var (
	addressAliases = []string{DefaultAddressColumn, "address"}
	idAliases      = []string{DefaultIDColumn, "row_id"}

	ErrNoAddressColumn = errors.New("header has no address column")
	ErrEmptySource     = errors.New("file is empty")
)

// RecipientRecord is one recipient read from the input file.
type RecipientRecord struct {
	Row     int // 1-based data row, header excluded
	RowID   *int64
	Address protocol.Pubkey
}

// SourceColumns names the columns to read. Empty fields use the defaults.
type SourceColumns struct {
	Address string
	ID      string
}

// Source is the materialized input file.
type Source struct {
	Records      []RecipientRecord
	Rows         int // data rows read, including skipped ones
	SkippedEmpty int
	HasID        bool
}

// ReadRecipients reads every recipient from the CSV file at path, in file
// order. Rows with an empty address are skipped and counted.
func ReadRecipients(path string, cols SourceColumns) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceFormatError{Path: path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, &SourceFormatError{Path: path, Err: ErrEmptySource}
	}
	if err != nil {
		return nil, &SourceFormatError{Path: path, Line: 1, Err: err}
	}
	addrCol := findColumn(header, cols.Address, addressAliases)
	if addrCol < 0 {
		return nil, &SourceFormatError{Path: path, Line: 1, Err: fmt.Errorf("%w (looked for %s)",
			ErrNoAddressColumn, strings.Join(candidates(cols.Address, addressAliases), ", "))}
	}
	idCol := findColumn(header, cols.ID, idAliases)

	src := &Source{HasID: idCol >= 0}
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &SourceFormatError{Path: path, Line: pe.Line, Err: pe.Err}
			}
			return nil, &SourceFormatError{Path: path, Err: err}
		}
		line, _ := r.FieldPos(0)
		src.Rows++

		raw := field(fields, addrCol)
		if raw == "" {
			src.SkippedEmpty++
			continue
		}
		addr, err := protocol.ParsePubkey(raw)
		if err != nil {
			return nil, &SourceFormatError{Path: path, Line: line, Err: fmt.Errorf("address %q: %w", raw, err)}
		}
		rec := RecipientRecord{Row: src.Rows, Address: addr}
		if idCol >= 0 {
			if rawID := field(fields, idCol); rawID != "" {
				id, err := strconv.ParseInt(rawID, 10, 64)
				if err != nil {
					return nil, &SourceFormatError{Path: path, Line: line, Err: fmt.Errorf("id %q: %w", rawID, err)}
				}
				rec.RowID = &id
			}
		}
		src.Records = append(src.Records, rec)
	}
	return src, nil
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func candidates(configured string, aliases []string) []string {
	if configured == "" {
		return aliases
	}
	out := []string{configured}
	for _, a := range aliases {
		if a != configured {
			out = append(out, a)
		}
	}
	return out
}

// normalizeColumn folds a header name for matching: case-insensitive, with
// surrounding space and a UTF-8 BOM removed.
func normalizeColumn(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

// findColumn returns the index of the first candidate name present in
// header, or -1. Matching is case-insensitive and ignores a UTF-8 BOM.
func findColumn(header []string, configured string, aliases []string) int {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = normalizeColumn(h)
	}
	for _, want := range candidates(configured, aliases) {
		want = strings.ToLower(want)
		for i, h := range norm {
			if h == want {
				return i
			}
		}
	}
	return -1
}
