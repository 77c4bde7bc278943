// Package catalog ingests photometric catalogs into normalized,
// frequency-sorted source records.
package catalog

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/cosmo"
	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/resilience"
	"github.com/sells-group/agnfit-cli/internal/units"
)

// Catalog holds every normalized source of one catalog file. It is read
// only after Load returns and safe to share between goroutines.
type Catalog struct {
	name    string
	bands   []string
	records []model.SourceRecord
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	cosmology cosmo.Cosmology
}

// WithCosmology overrides the default flat LambdaCDM distance relation.
func WithCosmology(c cosmo.Cosmology) Option {
	return func(o *loadOptions) { o.cosmology = c }
}

// Load reads, converts and encodes the whole catalog. A missing catalog
// file or a band count that disagrees with the filter configuration is a
// resilience.ConfigError.
func Load(ctx context.Context, cat config.CatalogConfig, filters config.FiltersConfig, opts ...Option) (*Catalog, error) {
	o := loadOptions{cosmology: cosmo.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := os.Stat(cat.Filename); err != nil {
		return nil, &resilience.ConfigError{
			Msg:         fmt.Sprintf("catalog does not exist under this name: %s", cat.Filename),
			Remediation: "check catalog.filename in the settings file",
			Err:         err,
		}
	}

	table, err := ReadTable(ctx, cat.Filename, cat.FileType, cat.Delimiter)
	if err != nil {
		return nil, err
	}

	cols, err := resolveColumns(table, cat)
	if err != nil {
		return nil, &resilience.ConfigError{Msg: "catalog columns could not be resolved", Err: err}
	}

	nBands := len(cols.flux)
	enabled := filters.EnabledBands()
	if len(enabled) != nBands {
		return nil, resilience.NewConfigError(
			fmt.Sprintf("%d filters are enabled but the catalog has %d flux columns", len(enabled), nBands),
			"enable exactly one filter per photometric column in filters.bands",
		)
	}

	bandNames := make([]string, 0, nBands)
	var sharedLogNu []float64
	if cat.UseCentralWavelength {
		ft, err := ReadFilterTable(filters.TablePath(cat.Path), filters.TableNameColumn, filters.TableWavelengthColumn)
		if err != nil {
			return nil, err
		}
		sharedLogNu, bandNames, err = ft.CentralLogNu(filters.Bands, filters.TableUnit)
		if err != nil {
			return nil, err
		}
		if len(sharedLogNu) != nBands {
			return nil, resilience.NewConfigError(
				fmt.Sprintf("%d enabled filters were found in the filter table but the catalog has %d flux columns (not in the table: %s)",
					len(sharedLogNu), nBands, strings.Join(unmatchedBands(enabled, bandNames), ", ")),
				"check the band names in filters.bands against "+filters.TablePath(cat.Path),
			)
		}
	} else {
		for _, b := range sortedByIndex(enabled) {
			bandNames = append(bandNames, b.Name)
		}
	}

	scale, err := units.FluxScale(cat.FluxUnit)
	if err != nil {
		return nil, resilience.NewConfigError(err.Error(), "set catalog.flux_unit to Jy, mJy, uJy, nJy, W/m2/Hz or erg/s/cm2/Hz")
	}

	c := &Catalog{
		name:    filepath.Base(cat.Filename),
		bands:   bandNames,
		records: make([]model.SourceRecord, table.NumRows()),
	}
	enc := EncodeOptions{ErrFluxFlex: cat.ErrFluxFlex}
	for r := 0; r < table.NumRows(); r++ {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "catalog: context cancelled")
		}
		rec, err := buildRecord(table, r, cols, cat, sharedLogNu, scale, enc, o.cosmology)
		if err != nil {
			return nil, err
		}
		c.records[r] = rec
	}

	zap.L().Info("catalog loaded",
		zap.String("catalog", c.name),
		zap.Int("sources", len(c.records)),
		zap.Int("bands", nBands),
	)
	return c, nil
}

type columnSet struct {
	name, redshift int
	freqWL         []int
	flux, fluxErr  []int
	flags          []int
}

func resolveColumns(t *Table, cat config.CatalogConfig) (columnSet, error) {
	var cs columnSet
	var err error
	if cs.name, err = t.Column(cat.NameColumn); err != nil {
		return cs, err
	}
	if cs.redshift, err = t.Column(cat.RedshiftColumn); err != nil {
		return cs, err
	}
	if cs.flux, err = t.Columns(cat.FluxColumns, cat.FluxSuffix); err != nil {
		return cs, err
	}
	if cs.fluxErr, err = t.Columns(cat.FluxErrColumns, cat.FluxErrSuffix); err != nil {
		return cs, err
	}
	if len(cs.flux) != len(cs.fluxErr) {
		return cs, eris.Errorf("catalog: %d flux columns but %d flux error columns", len(cs.flux), len(cs.fluxErr))
	}
	if !cat.UseCentralWavelength {
		if cs.freqWL, err = t.Columns(cat.FreqWLColumns, cat.FreqWLSuffix); err != nil {
			return cs, err
		}
		if len(cs.freqWL) != len(cs.flux) {
			return cs, eris.Errorf("catalog: %d frequency/wavelength columns but %d flux columns", len(cs.freqWL), len(cs.flux))
		}
	}
	if cat.NDFlag {
		if cs.flags, err = t.Columns(cat.NDFlagColumns, ""); err != nil {
			return cs, err
		}
		if len(cs.flags) != len(cs.flux) {
			return cs, eris.Errorf("catalog: %d flag columns but %d flux columns", len(cs.flags), len(cs.flux))
		}
	}
	return cs, nil
}

func buildRecord(
	t *Table,
	r int,
	cols columnSet,
	cat config.CatalogConfig,
	sharedLogNu []float64,
	scale float64,
	enc EncodeOptions,
	cosmology cosmo.Cosmology,
) (model.SourceRecord, error) {
	name := t.String(r, cols.name)
	if err := checkSourceName(name); err != nil {
		return model.SourceRecord{}, resilience.NewConfigError(
			fmt.Sprintf("catalog line %d: %v", r, err),
			"source names become output directory names; rename the source in the catalog",
		)
	}

	zText := t.String(r, cols.redshift)
	z, err := strconv.ParseFloat(zText, 64)
	if err != nil {
		return model.SourceRecord{}, eris.Wrapf(err, "catalog: line %d redshift", r)
	}

	n := len(cols.flux)
	flux := make([]float64, n)
	fluxErr := make([]float64, n)
	var flags []float64
	if cols.flags != nil {
		flags = make([]float64, n)
	}
	for b := 0; b < n; b++ {
		if flux[b], err = t.FloatOr(r, cols.flux[b], Sentinel); err != nil {
			return model.SourceRecord{}, err
		}
		if fluxErr[b], err = t.FloatOr(r, cols.fluxErr[b], Sentinel); err != nil {
			return model.SourceRecord{}, err
		}
		if flags != nil {
			if flags[b], err = t.Float(r, cols.flags[b]); err != nil {
				return model.SourceRecord{}, err
			}
		}
	}

	// Sentinels are compared in native units; scaling afterwards is
	// equivalent because the encoding is linear in flux.
	e := EncodeNonDetections(flux, fluxErr, flags, enc)

	logNu := make([]float64, len(e.Bands))
	for i, b := range e.Bands {
		if sharedLogNu != nil {
			logNu[i] = sharedLogNu[b]
			continue
		}
		v, err := t.Float(r, cols.freqWL[b])
		if err != nil {
			return model.SourceRecord{}, err
		}
		logNu[i], err = units.LogFrequency(v, cat.FreqWLUnit, units.Format(cat.FreqWLFormat))
		if err != nil {
			return model.SourceRecord{}, eris.Wrapf(err, "catalog: line %d band %d", r, b)
		}
	}

	perm := make([]int, len(logNu))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool { return logNu[perm[i]] < logNu[perm[j]] })

	rec := model.SourceRecord{
		Line:         r,
		Name:         name,
		Redshift:     z,
		RedshiftText: zText,
		LogNu:        make([]float64, len(perm)),
		Flux:         make([]float64, len(perm)),
		FluxErr:      make([]float64, len(perm)),
		Flag:         make([]float64, len(perm)),
		Band:         make([]int, len(perm)),
	}
	for i, p := range perm {
		rec.LogNu[i] = logNu[p]
		rec.Flux[i] = e.Flux[p] * scale
		rec.FluxErr[i] = e.FluxErr[p] * scale
		rec.Flag[i] = e.Flag[p]
		rec.Band[i] = e.Bands[p]
	}

	rec.DLum = cosmology.LuminosityDistance(z)
	rec.LumFactor = 4 * math.Pi * rec.DLum * rec.DLum
	rec.NRadio, rec.NXray = ClassifyBands(rec.LogNu, z, rec.Flag)
	return rec, nil
}

func sortedByIndex(bands []config.BandToggle) []config.BandToggle {
	out := append([]config.BandToggle(nil), bands...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Get returns the source at catalog line. The record shares its slices
// with the catalog.
func (c *Catalog) Get(line int) (model.SourceRecord, error) {
	if line < 0 || line >= len(c.records) {
		return model.SourceRecord{}, eris.Errorf("catalog: line %d out of range [0, %d)", line, len(c.records))
	}
	return c.records[line], nil
}

// Len returns the number of sources.
func (c *Catalog) Len() int {
	return len(c.records)
}

func unmatchedBands(enabled []config.BandToggle, matched []string) []string {
	found := make(map[string]bool, len(matched))
	for _, name := range matched {
		found[name] = true
	}
	var missing []string
	for _, b := range enabled {
		if !found[b.Name] {
			missing = append(missing, b.Name)
		}
	}
	return missing
}

// checkSourceName rejects names that would escape the source's output
// directory.
func checkSourceName(name string) error {
	switch {
	case name == "":
		return eris.New("source name is empty")
	case name == "." || name == "..":
		return eris.Errorf("source name %q is not a directory name", name)
	case strings.ContainsAny(name, `/\`):
		return eris.Errorf("source name %q contains a path separator", name)
	}
	return nil
}

// Name returns the catalog file's base name.
func (c *Catalog) Name() string {
	return c.name
}

// Bands returns the enabled band names in catalog column order.
func (c *Catalog) Bands() []string {
	return c.bands
}
