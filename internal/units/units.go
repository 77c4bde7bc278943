// Package units converts catalog-native spectral coordinates and flux
// densities into log10 Hz and erg s^-1 cm^-2 Hz^-1.
package units

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	// SpeedOfLight in m/s.
	SpeedOfLight = 2.99792458e8
	// Planck constant in eV*s.
	Planck = 4.135667696e-15
)

// Format names the physical quantity stored in a spectral column.
type Format string

const (
	FormatWavelength Format = "wavelength"
	FormatFrequency  Format = "frequency"
)

type spectralKind int

const (
	kindLength spectralKind = iota
	kindFrequency
	kindEnergy
	kindLogFrequency
)

type spectralUnit struct {
	kind  spectralKind
	scale float64 // to m, Hz or eV
}

var spectralUnits = map[string]spectralUnit{
	"angstrom": {kindLength, 1e-10},
	"aa":       {kindLength, 1e-10},
	"a":        {kindLength, 1e-10},
	"nm":       {kindLength, 1e-9},
	"um":       {kindLength, 1e-6},
	"micron":   {kindLength, 1e-6},
	"mm":       {kindLength, 1e-3},
	"cm":       {kindLength, 1e-2},
	"m":        {kindLength, 1},
	"hz":       {kindFrequency, 1},
	"khz":      {kindFrequency, 1e3},
	"mhz":      {kindFrequency, 1e6},
	"ghz":      {kindFrequency, 1e9},
	"thz":      {kindFrequency, 1e12},
	"ev":       {kindEnergy, 1},
	"kev":      {kindEnergy, 1e3},
	"log10hz":  {kindLogFrequency, 1},
	"loghz":    {kindLogFrequency, 1},
}

var fluxScales = map[string]float64{
	"erg/s/cm2/hz": 1,
	"jy":           1e-23,
	"mjy":          1e-26,
	"ujy":          1e-29,
	"njy":          1e-32,
	"w/m2/hz":      1e3,
}

func lookupSpectral(unit string) (spectralUnit, error) {
	u, ok := spectralUnits[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return spectralUnit{}, eris.Errorf("units: unknown spectral unit %q", unit)
	}
	return u, nil
}

// LogFrequency converts value, given in unit, to log10 of the frequency in
// Hz. Length units are converted spectrally (nu = c/lambda) and energy
// units through nu = E/h. The format must agree with the unit's kind:
// a length unit in frequency format is rejected.
func LogFrequency(value float64, unit string, format Format) (float64, error) {
	u, err := lookupSpectral(unit)
	if err != nil {
		return 0, err
	}
	if u.kind == kindLogFrequency {
		return value, nil
	}
	if value <= 0 {
		return 0, eris.Errorf("units: non-positive spectral value %g %s", value, unit)
	}

	switch u.kind {
	case kindLength:
		if format == FormatFrequency {
			return 0, eris.Errorf("units: length unit %q given for frequency column", unit)
		}
		return math.Log10(SpeedOfLight / (value * u.scale)), nil
	case kindFrequency:
		if format == FormatWavelength {
			return 0, eris.Errorf("units: frequency unit %q given for wavelength column", unit)
		}
		return math.Log10(value * u.scale), nil
	default:
		return math.Log10(value * u.scale / Planck), nil
	}
}

// Wavelength converts log10 Hz back into a wavelength in unit.
func Wavelength(logNu float64, unit string) (float64, error) {
	u, err := lookupSpectral(unit)
	if err != nil {
		return 0, err
	}
	if u.kind != kindLength {
		return 0, eris.Errorf("units: %q is not a length unit", unit)
	}
	return SpeedOfLight / math.Pow(10, logNu) / u.scale, nil
}

// FluxScale returns the factor converting unit to erg s^-1 cm^-2 Hz^-1.
func FluxScale(unit string) (float64, error) {
	key := strings.ToLower(strings.ReplaceAll(unit, " ", ""))
	key = strings.ReplaceAll(key, "µ", "u")
	s, ok := fluxScales[key]
	if !ok {
		return 0, eris.Errorf("units: unknown flux unit %q", unit)
	}
	return s, nil
}
