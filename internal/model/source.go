package model

// SourceRecord is one normalized catalog row. Slices are index-aligned and
// sorted by ascending LogNu; they are shared with the owning catalog and
// must not be modified.
type SourceRecord struct {
	Line         int     `json:"line" msgpack:"line"`
	Name         string  `json:"name" msgpack:"name"`
	Redshift     float64 `json:"redshift" msgpack:"redshift"`
	RedshiftText string  `json:"redshift_text" msgpack:"redshift_text"` // verbatim catalog text
	DLum         float64 `json:"dlum_cm" msgpack:"dlum_cm"`
	LumFactor    float64 `json:"lumfactor" msgpack:"lumfactor"` // 4*pi*dlum^2

	LogNu   []float64 `json:"log_nu" msgpack:"log_nu"` // observed frame, log10 Hz
	Flux    []float64 `json:"flux" msgpack:"flux"`     // erg s^-1 cm^-2 Hz^-1
	FluxErr []float64 `json:"flux_err" msgpack:"flux_err"`
	Flag    []float64 `json:"flag" msgpack:"flag"` // 1 detection, 0 upper limit
	Band    []int     `json:"band" msgpack:"band"` // catalog band position of each point

	NRadio int `json:"n_radio" msgpack:"n_radio"`
	NXray  int `json:"n_xray" msgpack:"n_xray"`
}

// NPoints returns the number of retained photometric points.
func (s SourceRecord) NPoints() int {
	return len(s.LogNu)
}

// NDetections returns the number of points flagged as detections.
func (s SourceRecord) NDetections() int {
	n := 0
	for _, f := range s.Flag {
		if f > 0 {
			n++
		}
	}
	return n
}
