// Package cosmo computes luminosity distances for catalog redshifts.
package cosmo

import "math"

const (
	// SpeedOfLightKmS in km/s.
	SpeedOfLightKmS = 299792.458
	// MpcCm is one megaparsec in centimetres.
	MpcCm = 3.0856775814913673e24
)

// Cosmology converts redshift to luminosity distance.
type Cosmology interface {
	// LuminosityDistance returns d_L in cm.
	LuminosityDistance(z float64) float64
}

// FlatLambdaCDM is a flat universe with matter and a cosmological constant.
type FlatLambdaCDM struct {
	H0  float64 // km/s/Mpc
	Om0 float64
	// Steps is the number of Simpson intervals; it is rounded up to even.
	Steps int
}

// Default returns H0=70, Om0=0.3.
func Default() FlatLambdaCDM {
	return FlatLambdaCDM{H0: 70, Om0: 0.3, Steps: 2000}
}

func (c FlatLambdaCDM) invE(z float64) float64 {
	zp := 1 + z
	return 1 / math.Sqrt(c.Om0*zp*zp*zp+(1-c.Om0))
}

// ComovingDistance returns the line-of-sight comoving distance in Mpc.
func (c FlatLambdaCDM) ComovingDistance(z float64) float64 {
	if z <= 0 {
		return 0
	}
	n := c.Steps
	if n <= 0 {
		n = 2000
	}
	if n%2 == 1 {
		n++
	}
	h := z / float64(n)
	sum := c.invE(0) + c.invE(z)
	for i := 1; i < n; i++ {
		w := 4.0
		if i%2 == 0 {
			w = 2
		}
		sum += w * c.invE(float64(i)*h)
	}
	return SpeedOfLightKmS / c.H0 * sum * h / 3
}

// LuminosityDistance returns (1+z) times the comoving distance, in cm.
func (c FlatLambdaCDM) LuminosityDistance(z float64) float64 {
	return (1 + z) * c.ComovingDistance(z) * MpcCm
}
