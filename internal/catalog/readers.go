package catalog

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/ipc"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Supported catalog file types.
const (
	FileTypeASCII = "ascii"
	FileTypeArrow = "arrow"
	FileTypeXLSX  = "xlsx"
)

// ReadTable reads path according to fileType.
func ReadTable(ctx context.Context, path, fileType, delimiter string) (*Table, error) {
	switch strings.ToLower(fileType) {
	case FileTypeASCII, "":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "catalog: open ascii")
		}
		defer f.Close() //nolint:errcheck
		return ReadASCII(ctx, f, delimiter)
	case FileTypeArrow:
		return ReadArrow(path)
	case FileTypeXLSX:
		return ReadXLSX(path)
	default:
		return nil, eris.Errorf("catalog: unsupported file type %q", fileType)
	}
}

// ReadASCII reads a text catalog whose first non-blank line is the header.
// An empty delimiter splits on runs of whitespace; otherwise the input is
// parsed as delimited text. A leading '#' on the header is dropped and
// later '#' lines are comments.
func ReadASCII(ctx context.Context, r io.Reader, delimiter string) (*Table, error) {
	if delimiter != "" {
		return readDelimited(ctx, r, delimiter)
	}

	t := &Table{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "catalog: context cancelled")
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if t.Header == nil {
			t.Header = strings.Fields(strings.TrimPrefix(line, "#"))
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		t.Rows = append(t.Rows, strings.Fields(line))
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "catalog: read ascii")
	}
	if t.Header == nil {
		return nil, eris.New("catalog: ascii catalog is empty")
	}
	return t, nil
}

func readDelimited(ctx context.Context, r io.Reader, delimiter string) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = []rune(delimiter)[0]
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	t := &Table{}
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "catalog: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "catalog: read delimited row")
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if t.Header == nil {
			t.Header = record
			continue
		}
		t.Rows = append(t.Rows, record)
	}
	if t.Header == nil {
		return nil, eris.New("catalog: delimited catalog is empty")
	}
	return t, nil
}

// ReadArrow reads an Arrow IPC file. Column names come from the schema;
// null cells read as empty strings.
func ReadArrow(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open arrow")
	}
	defer f.Close() //nolint:errcheck

	reader, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, eris.Wrap(err, "catalog: create arrow reader")
	}
	defer reader.Close() //nolint:errcheck

	schema := reader.Schema()
	t := &Table{Header: make([]string, schema.NumFields())}
	for i, field := range schema.Fields() {
		t.Header[i] = field.Name
	}

	for n := 0; n < reader.NumRecords(); n++ {
		rec, err := reader.Record(n)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: read arrow record batch %d", n)
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make([]string, rec.NumCols())
			for c := range row {
				row[c] = arrowCell(rec.Column(c), i)
			}
			t.Rows = append(t.Rows, row)
		}
	}
	return t, nil
}

func arrowCell(arr arrow.Array, i int) string {
	if arr.IsNull(i) {
		return ""
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(i), 'g', -1, 64)
	case *array.Float32:
		return strconv.FormatFloat(float64(a.Value(i)), 'g', -1, 32)
	case *array.Int64:
		return strconv.FormatInt(a.Value(i), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(i)), 10)
	default:
		return arr.ValueStr(i)
	}
}

// ReadXLSX reads the first sheet of a workbook; its first row is the header.
func ReadXLSX(path string) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("catalog: xlsx workbook has no sheets")
	}

	t := &Table{}
	for _, row := range f.Sheets[0].Rows {
		cells := rowToStrings(row)
		if isBlank(cells) {
			continue
		}
		if t.Header == nil {
			t.Header = cells
			continue
		}
		t.Rows = append(t.Rows, cells)
	}
	if t.Header == nil {
		return nil, eris.New("catalog: xlsx sheet is empty")
	}
	return t, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
