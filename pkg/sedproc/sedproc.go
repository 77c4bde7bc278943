// Package sedproc is the boundary to the external SED tooling: the model
// grid builder, the sampler and the result writer. Each call runs one
// subprocess that speaks length-prefixed msgpack on stdin and stdout.
package sedproc

import (
	"context"

	"github.com/sells-group/agnfit-cli/internal/model"
)

// Op names the operation a subprocess is asked to perform.
type Op string

const (
	OpBuildGrid Op = "build_grid"
	OpSample    Op = "sample"
	OpWrite     Op = "write"
)

// BuildRequest asks the builder for a model grid.
type BuildRequest struct {
	Filterset      string         `msgpack:"filterset"`
	Bands          []string       `msgpack:"bands"` // enabled bands, catalog order
	AddFilters     bool           `msgpack:"add_filters"`
	AddFiltersDict string         `msgpack:"add_filters_dict"`
	Modelset       string         `msgpack:"modelset"`
	ModelsPath     string         `msgpack:"models_path"`
	Redshifts      []float64      `msgpack:"redshifts"`
	ModelOptions   map[string]any `msgpack:"model_options"`

	// Radio and X-ray detections of the source the grid is built for.
	// Zero for a grid shared by a whole catalog.
	NRadio int `msgpack:"n_radio"`
	NXray  int `msgpack:"n_xray"`
}

// FitRequest carries one source to the sampler or the writer.
type FitRequest struct {
	Source       model.SourceRecord `msgpack:"source"`
	GridPath     string             `msgpack:"grid_path"`
	OutputDir    string             `msgpack:"output_dir"`
	ModelOptions map[string]any     `msgpack:"model_options"`

	// Grid is the resolved grid for in-process collaborators; it is not
	// sent over the wire.
	Grid *model.Grid `msgpack:"-"`
}

// Request is the frame written to a subprocess.
type Request struct {
	Op      Op             `msgpack:"op"`
	Build   *BuildRequest  `msgpack:"build,omitempty"`
	Fit     *FitRequest    `msgpack:"fit,omitempty"`
	Options map[string]any `msgpack:"options,omitempty"`
}

// Response is the frame read back from a subprocess.
type Response struct {
	OK    bool        `msgpack:"ok"`
	Error string      `msgpack:"error"`
	Grid  *model.Grid `msgpack:"grid,omitempty"`
}

// GridBuilder constructs model grids.
type GridBuilder interface {
	BuildGrid(ctx context.Context, req BuildRequest) (*model.Grid, error)
}

// Sampler explores the fit parameter space for one source.
type Sampler interface {
	Sample(ctx context.Context, req FitRequest) error
}

// Writer produces the result products for one sampled source.
type Writer interface {
	Write(ctx context.Context, req FitRequest) error
}
