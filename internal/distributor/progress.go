package distributor

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/protocol"
)

// Progress file columns.
const (
	ColumnID        = "id"
	ColumnAddress   = "wallet_address"
	ColumnSignature = "tx_sig"
)

var ErrBadProgressHeader = errors.New("header lacks wallet_address or tx_sig column")

// ProgressEntry is one paid recipient.
type ProgressEntry struct {
	RowID     *int64
	Address   protocol.Pubkey
	Signature protocol.Signature
}

// Progress is what a progress file says has already been paid.
type Progress struct {
	Processed map[protocol.Pubkey]struct{}
	Entries   int
	// IncludeID is the layout of an existing file; nil when there is none.
	IncludeID *bool
	// Skipped holds rows that could not be parsed, such as the remains of a
	// crash mid-append. Their recipients are not treated as paid.
	Skipped []string
}

func (p *Progress) Contains(addr protocol.Pubkey) bool {
	_, ok := p.Processed[addr]
	return ok
}

type progressLayout struct {
	id, address, signature int
}

func parseProgressHeader(header []string) (progressLayout, error) {
	l := progressLayout{id: -1, address: -1, signature: -1}
	for i, h := range header {
		switch normalizeColumn(h) {
		case ColumnID:
			l.id = i
		case ColumnAddress:
			l.address = i
		case ColumnSignature:
			l.signature = i
		}
	}
	if l.address < 0 || l.signature < 0 {
		return l, ErrBadProgressHeader
	}
	return l, nil
}

// readHeader returns the first record with a non-blank field.
func readHeader(r *csv.Reader) ([]string, error) {
	for {
		fields, err := r.Read()
		if err != nil {
			return nil, err
		}
		if !blankRecord(fields) {
			return fields, nil
		}
	}
}

func blankRecord(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// LoadProgress reads the progress file at path. A missing file means nothing
// has been paid yet. A row that does not parse completely, typically a final
// line torn by a crash mid-append, is skipped and reported in Skipped.
func LoadProgress(path string) (*Progress, error) {
	p := &Progress{Processed: make(map[protocol.Pubkey]struct{})}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, &ProgressLedgerError{Path: path, Op: "read", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}

	var torn []byte
	if data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		data, torn = data[:cut], data[cut:]
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := readHeader(r)
	if errors.Is(err, io.EOF) {
		// Only a torn header was written.
		if len(torn) > 0 {
			p.Skipped = append(p.Skipped, string(torn))
		}
		return p, nil
	}
	if err != nil {
		return nil, &ProgressLedgerError{Path: path, Op: "parse header", Err: err}
	}
	layout, err := parseProgressHeader(header)
	if err != nil {
		return nil, &ProgressLedgerError{Path: path, Op: "parse header", Err: err}
	}
	includeID := layout.id >= 0
	p.IncludeID = &includeID

	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ProgressLedgerError{Path: path, Op: "parse", Err: err}
		}
		if blankRecord(fields) {
			continue
		}
		entry, err := layout.entry(fields)
		if err != nil {
			p.Skipped = append(p.Skipped, strings.Join(fields, ","))
			continue
		}
		p.add(entry)
	}

	if len(torn) > 0 {
		fields, err := csv.NewReader(bytes.NewReader(torn)).Read()
		if err == nil {
			if entry, err := layout.entry(fields); err == nil {
				p.add(entry)
				return p, nil
			}
		}
		p.Skipped = append(p.Skipped, string(torn))
	}
	return p, nil
}

func (p *Progress) add(e ProgressEntry) {
	p.Processed[e.Address] = struct{}{}
	p.Entries++
}

func (l progressLayout) entry(fields []string) (ProgressEntry, error) {
	var e ProgressEntry
	if l.address >= len(fields) || l.signature >= len(fields) {
		return e, fmt.Errorf("expected at least %d fields, got %d", max(l.address, l.signature)+1, len(fields))
	}
	addr, err := protocol.ParsePubkey(fields[l.address])
	if err != nil {
		return e, err
	}
	sig, err := protocol.ParseSignature(fields[l.signature])
	if err != nil {
		return e, err
	}
	e.Address, e.Signature = addr, sig
	if l.id >= 0 && l.id < len(fields) && fields[l.id] != "" {
		id, err := strconv.ParseInt(fields[l.id], 10, 64)
		if err != nil {
			return e, fmt.Errorf("id %q: %w", fields[l.id], err)
		}
		e.RowID = &id
	}
	return e, nil
}

// ProgressLedger appends paid recipients to the progress file. Rows are only
// ever appended; each Append is flushed and synced before it returns.
type ProgressLedger struct {
	path      string
	includeID bool
	file      *os.File
	w         *csv.Writer
}

// OpenProgressLedger opens path for appending, writing the header when the
// file is new or empty. An existing header decides the layout over
// includeID. A torn final line is terminated so new rows start clean.
func OpenProgressLedger(path string, includeID bool, log *zap.Logger) (*ProgressLedger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, &ProgressLedgerError{Path: path, Op: "open", Err: err}
	}
	pl := &ProgressLedger{path: path, includeID: includeID, file: f, w: csv.NewWriter(f)}

	if err := pl.prepare(log); err != nil {
		f.Close()
		return nil, err
	}
	return pl, nil
}

func (pl *ProgressLedger) prepare(log *zap.Logger) error {
	info, err := pl.file.Stat()
	if err != nil {
		return &ProgressLedgerError{Path: pl.path, Op: "stat", Err: err}
	}
	var data []byte
	if info.Size() > 0 {
		if data, err = os.ReadFile(pl.path); err != nil {
			return &ProgressLedgerError{Path: pl.path, Op: "read", Err: err}
		}
	}
	// Nothing but blanks or a torn header: start over.
	complete := data[:bytes.LastIndexByte(data, '\n')+1]
	r := csv.NewReader(bytes.NewReader(complete))
	r.FieldsPerRecord = -1
	header, err := readHeader(r)
	if errors.Is(err, io.EOF) {
		if len(data) > 0 {
			if err := pl.file.Truncate(0); err != nil {
				return &ProgressLedgerError{Path: pl.path, Op: "truncate", Err: err}
			}
		}
		header := []string{ColumnAddress, ColumnSignature}
		if pl.includeID {
			header = []string{ColumnID, ColumnAddress, ColumnSignature}
		}
		return pl.writeRows([][]string{header}, "write header")
	}
	if err != nil {
		return &ProgressLedgerError{Path: pl.path, Op: "parse header", Err: err}
	}
	layout, err := parseProgressHeader(header)
	if err != nil {
		return &ProgressLedgerError{Path: pl.path, Op: "parse header", Err: err}
	}
	if existing := layout.id >= 0; existing != pl.includeID {
		log.Info("Progress file layout kept from existing header",
			zap.String("path", pl.path), zap.Bool("include_id", existing))
		pl.includeID = existing
	}

	if data[len(data)-1] != '\n' {
		log.Warn("Progress file ends in a torn line, terminating it", zap.String("path", pl.path))
		if _, err := pl.file.Write([]byte{'\n'}); err != nil {
			return &ProgressLedgerError{Path: pl.path, Op: "terminate torn line", Err: err}
		}
		if err := pl.file.Sync(); err != nil {
			return &ProgressLedgerError{Path: pl.path, Op: "sync", Err: err}
		}
	}
	return nil
}

// IncludeID reports the layout rows are written in.
func (pl *ProgressLedger) IncludeID() bool { return pl.includeID }

// Append writes one row per entry and syncs the file to disk.
func (pl *ProgressLedger) Append(entries []ProgressEntry) error {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := []string{e.Address.String(), e.Signature.String()}
		if pl.includeID {
			id := ""
			if e.RowID != nil {
				id = strconv.FormatInt(*e.RowID, 10)
			}
			row = append([]string{id}, row...)
		}
		rows = append(rows, row)
	}
	return pl.writeRows(rows, "append")
}

func (pl *ProgressLedger) writeRows(rows [][]string, op string) error {
	if err := pl.w.WriteAll(rows); err != nil {
		return &ProgressLedgerError{Path: pl.path, Op: op, Err: err}
	}
	if err := pl.file.Sync(); err != nil {
		return &ProgressLedgerError{Path: pl.path, Op: "sync", Err: err}
	}
	return nil
}

func (pl *ProgressLedger) Close() error {
	if err := pl.file.Close(); err != nil {
		return &ProgressLedgerError{Path: pl.path, Op: "close", Err: err}
	}
	return nil
}
