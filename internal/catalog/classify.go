package catalog

import "math"

const (
	// radioLogNu is 30 GHz in the rest frame.
	radioLogNu = 10.5
	// xrayLogNu is 0.2 keV in the rest frame.
	xrayLogNu = 16.685
)

// ClassifyBands counts detected points below the rest-frame radio
// threshold and above the rest-frame X-ray threshold.
func ClassifyBands(logNu []float64, z float64, flag []float64) (nRadio, nXray int) {
	shift := math.Log10(1 + z)
	for i, nu := range logNu {
		if flag[i] <= 0 {
			continue
		}
		switch {
		case nu < radioLogNu-shift:
			nRadio++
		case nu > xrayLogNu-shift:
			nXray++
		}
	}
	return nRadio, nXray
}
