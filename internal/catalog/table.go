package catalog

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is a catalog read into memory as text cells under a header row.
// Every reader produces one, so downstream shapes do not depend on the
// file format.
type Table struct {
	Header []string
	Rows   [][]string
}

// NumRows returns the number of data rows.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// String returns the cell at row r, column c, or "" for a short row.
func (t *Table) String(r, c int) string {
	row := t.Rows[r]
	if c >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[c])
}

// Float parses the cell at row r, column c.
func (t *Table) Float(r, c int) (float64, error) {
	s := t.String(r, c)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: row %d column %s", r, t.columnName(c))
	}
	return v, nil
}

// FloatOr parses the cell like Float but returns missing for an empty cell.
func (t *Table) FloatOr(r, c int, missing float64) (float64, error) {
	if t.String(r, c) == "" {
		return missing, nil
	}
	return t.Float(r, c)
}

func (t *Table) columnName(c int) string {
	if c < len(t.Header) && t.Header[c] != "" {
		return strconv.Quote(t.Header[c])
	}
	return strconv.Itoa(c)
}

// Column resolves a column reference: a zero-based index or a header name.
func (t *Table) Column(ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 0 || idx >= len(t.Header) {
			return 0, eris.Errorf("catalog: column index %d out of range (table has %d columns)", idx, len(t.Header))
		}
		return idx, nil
	}
	for i, h := range t.Header {
		if h == ref {
			return i, nil
		}
	}
	return 0, eris.Errorf("catalog: column %q not found", ref)
}

// Columns resolves refs in order. When refs is empty and suffix is set,
// every header ending in suffix is selected in header order.
func (t *Table) Columns(refs []string, suffix string) ([]int, error) {
	if len(refs) == 0 && suffix != "" {
		var out []int
		for i, h := range t.Header {
			if strings.HasSuffix(h, suffix) {
				out = append(out, i)
			}
		}
		if len(out) == 0 {
			return nil, eris.Errorf("catalog: no column ends with %q", suffix)
		}
		return out, nil
	}

	out := make([]int, 0, len(refs))
	for _, ref := range refs {
		idx, err := t.Column(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
