package model

// Template is a single precomputed model spectrum sampled at the grid bands.
type Template struct {
	Family   string             `msgpack:"family" json:"family"`
	Params   map[string]float64 `msgpack:"params" json:"params"`
	Redshift float64            `msgpack:"redshift" json:"redshift"`
	Fluxes   []float64          `msgpack:"fluxes" json:"fluxes"`
}

// Grid is a set of model templates built for one filter configuration,
// model configuration and redshift set.
type Grid struct {
	Filterset string     `msgpack:"filterset" json:"filterset"`
	Modelset  string     `msgpack:"modelset" json:"modelset"`
	Bands     []string   `msgpack:"bands" json:"bands"`
	Redshifts []float64  `msgpack:"redshifts" json:"redshifts"`
	Templates []Template `msgpack:"templates" json:"templates"`
}

// BandCount returns the number of photometric bands encoded in the grid.
func (g *Grid) BandCount() int {
	if g == nil {
		return 0
	}
	if len(g.Bands) > 0 {
		return len(g.Bands)
	}
	if len(g.Templates) > 0 {
		return len(g.Templates[0].Fluxes)
	}
	return 0
}
