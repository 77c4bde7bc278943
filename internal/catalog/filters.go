package catalog

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/resilience"
	"github.com/sells-group/agnfit-cli/internal/units"
)

// FilterTable maps band names to their representative wavelength (or
// log frequency, depending on the table's unit).
type FilterTable map[string]float64

// ReadFilterTable reads a pipe-delimited reference table. The first row
// is a header and is skipped.
func ReadFilterTable(path string, nameCol, valueCol int) (FilterTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, resilience.NewConfigError(
				"filter table "+path+" does not exist",
				"set filters.table or disable catalog.use_central_wavelength",
			)
		}
		return nil, eris.Wrap(err, "catalog: open filter table")
	}
	defer f.Close() //nolint:errcheck

	table := make(FilterTable)
	sc := bufio.NewScanner(f)
	first := true
	n := 0
	for sc.Scan() {
		n++
		if first {
			first = false
			continue
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if nameCol >= len(fields) || valueCol >= len(fields) {
			return nil, eris.Errorf("catalog: filter table line %d has %d fields", n, len(fields))
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[valueCol]), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: filter table line %d", n)
		}
		table[strings.TrimSpace(fields[nameCol])] = v
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "catalog: read filter table")
	}
	return table, nil
}

// CentralLogNu matches the enabled bands against the table and returns
// their log frequencies and names ordered by each band's configured
// index. Unmatched bands are logged and left out; callers compare the
// resulting length against the catalog's flux columns.
func (ft FilterTable) CentralLogNu(bands []config.BandToggle, unit string) ([]float64, []string, error) {
	type match struct {
		index int
		name  string
		value float64
	}

	var matches []match
	for _, b := range bands {
		if !b.Enabled {
			continue
		}
		v, ok := ft[b.Name]
		if !ok {
			zap.L().Warn("filter not in reference table", zap.String("band", b.Name))
			continue
		}
		matches = append(matches, match{index: b.Index, name: b.Name, value: v})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].index < matches[j].index })

	logNu := make([]float64, len(matches))
	names := make([]string, len(matches))
	for i, m := range matches {
		nu, err := units.LogFrequency(m.value, unit, units.FormatWavelength)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "catalog: band %s", m.name)
		}
		logNu[i] = nu
		names[i] = m.name
	}
	return logNu, names, nil
}
