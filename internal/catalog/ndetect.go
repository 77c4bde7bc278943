package catalog

import "math"

// Sentinel marks a missing flux or flux error in catalog-native units.
const Sentinel = -99.0

// EncodeOptions controls the non-detection encoding.
type EncodeOptions struct {
	// ErrFluxFlex adds 10% of the flux in quadrature to the error of
	// every retained point with a non-zero flag.
	ErrFluxFlex bool
}

// Encoded holds the retained points of one source, in band order.
type Encoded struct {
	Flux    []float64
	FluxErr []float64
	Flag    []float64
	Bands   []int // original band position of each retained point
}

func isSentinel(v float64) bool {
	return v <= Sentinel
}

// EncodeNonDetections applies the sentinel policy per band:
//
//   - error sentinel, flux valid: upper limit; flag 0, flux and error
//     both become flux/2.
//   - flux sentinel: the band is dropped.
//   - neither sentinel: detection, flag 1 or the catalog flag.
//
// flags may be nil when the catalog has no flag columns. Inputs are not
// modified.
func EncodeNonDetections(flux, fluxErr, flags []float64, opts EncodeOptions) Encoded {
	out := Encoded{
		Flux:    make([]float64, 0, len(flux)),
		FluxErr: make([]float64, 0, len(flux)),
		Flag:    make([]float64, 0, len(flux)),
		Bands:   make([]int, 0, len(flux)),
	}

	for i := range flux {
		f, e := flux[i], fluxErr[i]
		if isSentinel(f) {
			continue
		}

		flag := 1.0
		if flags != nil {
			flag = flags[i]
		}
		if isSentinel(e) {
			flag = 0
			f *= 0.5
			e = f
		}
		if opts.ErrFluxFlex && flag != 0 {
			e = math.Sqrt(e*e + (0.1*f)*(0.1*f))
		}

		out.Flux = append(out.Flux, f)
		out.FluxErr = append(out.FluxErr, e)
		out.Flag = append(out.Flag, flag)
		out.Bands = append(out.Bands, i)
	}
	return out
}
