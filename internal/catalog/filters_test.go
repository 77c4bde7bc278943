package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/resilience"
)

const filterTable = `id | name | instrument | lognu
0 | SDSS_u | sdss | 14.9
1 | SDSS_g | sdss | 14.8
2 | WISE1  | wise | 13.9
3 | VLA_L  | vla  | 9.15
`

func writeFilterTable(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ALL_FILTERS_info.dat")
	require.NoError(t, os.WriteFile(path, []byte(filterTable), 0o644))
	return path
}

func TestReadFilterTable(t *testing.T) {
	ft, err := ReadFilterTable(writeFilterTable(t, t.TempDir()), 1, 3)
	require.NoError(t, err)
	assert.Len(t, ft, 4)
	assert.Equal(t, 13.9, ft["WISE1"])
	_, ok := ft["name"]
	assert.False(t, ok, "header row is skipped")
}

func TestReadFilterTable_Missing(t *testing.T) {
	_, err := ReadFilterTable(filepath.Join(t.TempDir(), "none.dat"), 1, 3)
	require.Error(t, err)
	assert.True(t, resilience.IsConfig(err))
}

func TestReadFilterTable_ShortLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dat")
	require.NoError(t, os.WriteFile(path, []byte("h|h\nonly|two\n"), 0o644))
	_, err := ReadFilterTable(path, 1, 3)
	assert.Error(t, err)
}

func TestCentralLogNu_SortedByIndex(t *testing.T) {
	ft := FilterTable{"SDSS_u": 14.9, "SDSS_g": 14.8, "WISE1": 13.9}
	bands := []config.BandToggle{
		{Name: "WISE1", Enabled: true, Index: 7},
		{Name: "SDSS_u", Enabled: true, Index: 1},
		{Name: "SDSS_r", Enabled: false, Index: 3},
		{Name: "SDSS_g", Enabled: true, Index: 2},
	}

	logNu, names, err := ft.CentralLogNu(bands, "log10Hz")
	require.NoError(t, err)
	assert.Equal(t, []string{"SDSS_u", "SDSS_g", "WISE1"}, names)
	assert.Equal(t, []float64{14.9, 14.8, 13.9}, logNu)
}

func TestCentralLogNu_UnmatchedIsDropped(t *testing.T) {
	ft := FilterTable{"SDSS_u": 14.9}
	bands := []config.BandToggle{
		{Name: "SDSS_u", Enabled: true, Index: 0},
		{Name: "sdss_u", Enabled: true, Index: 1},
	}
	logNu, names, err := ft.CentralLogNu(bands, "log10Hz")
	require.NoError(t, err)
	assert.Equal(t, []string{"SDSS_u"}, names)
	assert.Len(t, logNu, 1)
}

func TestCentralLogNu_WavelengthTable(t *testing.T) {
	ft := FilterTable{"V": 5000}
	logNu, _, err := ft.CentralLogNu([]config.BandToggle{{Name: "V", Enabled: true}}, "Angstrom")
	require.NoError(t, err)
	assert.InDelta(t, 14.77785, logNu[0], 1e-5)
}
