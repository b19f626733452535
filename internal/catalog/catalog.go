// Package catalog provides the immutable in-memory lookups over the mapping
// dataset snapshot: source terms (NAMASTE export) and target codes (ICD-11).
//
// Both catalogs are built once at startup from CSV files and never mutated
// afterwards, so they are safe for unlimited concurrent reads with no
// locking. Writes to the underlying dataset files are the resource guard's
// concern, not the catalogs'.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// TermEntry is one source term from the NAMASTE export. LinkedCode is the
// pre-curated ICD-11 target, empty for newly registered terms that have not
// been mapped yet.
type TermEntry struct {
	Term       string
	Code       string
	LinkedCode string
	Definition string
	System     string
	WHOTerm    string
}

// CodeEntry is one target ICD-11 code.
type CodeEntry struct {
	Code        string
	Title       string
	Description string
}

// SearchText is the text embedded and indexed for vector search over this code.
func (e CodeEntry) SearchText() string {
	return strings.TrimSpace(e.Code + " " + e.Title + " " + e.Description)
}

// TermCatalog is an immutable lookup of source terms, keyed by both
// normalized display text and normalized term code. Both keys resolve to
// the same entry.
type TermCatalog struct {
	byKey map[string]TermEntry
	count int
}

// NewTermCatalog builds a catalog from entries. Each entry is indexed under
// its normalized display text and its normalized code; a later entry with
// the same key replaces the earlier one, matching the dataset convention
// that the export's last row for a code is authoritative.
func NewTermCatalog(entries []TermEntry) *TermCatalog {
	byKey := make(map[string]TermEntry, 2*len(entries))
	count := 0
	for _, e := range entries {
		indexed := false
		if k := NormalizeTerm(e.Term); k != "" {
			byKey[k] = e
			indexed = true
		}
		if k := NormalizeTerm(e.Code); k != "" {
			byKey[k] = e
			indexed = true
		}
		if indexed {
			count++
		}
	}
	return &TermCatalog{byKey: byKey, count: count}
}

// Lookup finds the entry for a term or term code, case- and
// whitespace-insensitively.
func (c *TermCatalog) Lookup(term string) (TermEntry, bool) {
	e, ok := c.byKey[NormalizeTerm(term)]
	return e, ok
}

// Len returns the number of entries loaded.
func (c *TermCatalog) Len() int { return c.count }

// CodeCatalog is an immutable lookup of target codes.
type CodeCatalog struct {
	byCode  map[string]CodeEntry
	ordered []CodeEntry
}

// NewCodeCatalog builds a catalog from entries. Duplicate codes keep the
// last occurrence, preserving the invariant of one entry per distinct code.
func NewCodeCatalog(entries []CodeEntry) *CodeCatalog {
	byCode := make(map[string]CodeEntry, len(entries))
	ordered := make([]CodeEntry, 0, len(entries))
	for _, e := range entries {
		if e.Code == "" {
			continue
		}
		if _, dup := byCode[e.Code]; dup {
			for i := range ordered {
				if ordered[i].Code == e.Code {
					ordered[i] = e
					break
				}
			}
		} else {
			ordered = append(ordered, e)
		}
		byCode[e.Code] = e
	}
	return &CodeCatalog{byCode: byCode, ordered: ordered}
}

// Get finds a code entry by exact code.
func (c *CodeCatalog) Get(code string) (CodeEntry, bool) {
	e, ok := c.byCode[code]
	return e, ok
}

// Entries returns all entries in load order. The returned slice is shared;
// callers must not modify it.
func (c *CodeCatalog) Entries() []CodeEntry { return c.ordered }

// Len returns the number of distinct codes.
func (c *CodeCatalog) Len() int { return len(c.ordered) }

// LoadTermCatalog reads the NAMASTE CSV export
// (code,display,definition,system,who_term,icd11_tm2_code). A missing file
// yields an empty catalog with a warning: the server still runs, resolution
// just skips the exact tier. Rows without a linked ICD code are kept: they
// are newly registered terms awaiting curation.
func LoadTermCatalog(path string, logger *slog.Logger) (*TermCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("catalog: NAMASTE CSV not found, term catalog is empty", "path", path)
			return NewTermCatalog(nil), nil
		}
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	rows, header, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	entries := make([]TermEntry, 0, len(rows))
	for _, row := range rows {
		e := TermEntry{
			Term:       field(row, header, "display"),
			Code:       field(row, header, "code"),
			Definition: field(row, header, "definition"),
			System:     field(row, header, "system"),
			WHOTerm:    field(row, header, "who_term"),
			LinkedCode: field(row, header, "icd11_tm2_code"),
		}
		if e.Term == "" && e.Code == "" {
			continue
		}
		entries = append(entries, e)
	}

	cat := NewTermCatalog(entries)
	logger.Info("catalog: loaded source terms", "path", path, "terms", cat.Len())
	return cat, nil
}

// LoadCodeCatalog reads the ICD-11 CSV (code,title,description). A missing
// file yields an empty catalog with a warning.
func LoadCodeCatalog(path string, logger *slog.Logger) (*CodeCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("catalog: ICD-11 CSV not found, code catalog is empty", "path", path)
			return NewCodeCatalog(nil), nil
		}
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	rows, header, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	entries := make([]CodeEntry, 0, len(rows))
	for _, row := range rows {
		e := CodeEntry{
			Code:        field(row, header, "code"),
			Title:       field(row, header, "title"),
			Description: field(row, header, "description"),
		}
		if e.Code == "" {
			continue
		}
		entries = append(entries, e)
	}

	cat := NewCodeCatalog(entries)
	logger.Info("catalog: loaded target codes", "path", path, "codes", cat.Len())
	return cat, nil
}

// readCSV parses a headered CSV into rows plus a column-name → index map.
func readCSV(r io.Reader) ([][]string, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // exports sometimes have ragged trailing columns

	head, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, fmt.Errorf("empty file")
		}
		return nil, nil, err
	}
	header := make(map[string]int, len(head))
	for i, name := range head {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var rows [][]string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

func field(row []string, header map[string]int, name string) string {
	i, ok := header[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
