package gridcache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/resilience"
)

// SchemaVersion is bumped whenever Artifact or model.Grid change shape.
const SchemaVersion = 1

// FilterSnapshot is the filter configuration a grid was built with.
type FilterSnapshot struct {
	Filterset      string              `msgpack:"filterset"`
	Bands          []config.BandToggle `msgpack:"bands"`
	AddFilters     bool                `msgpack:"add_filters"`
	AddFiltersDict string              `msgpack:"add_filters_dict"`
}

// ModelSnapshot is the model configuration a grid was built with.
type ModelSnapshot struct {
	Path     string         `msgpack:"path"`
	Modelset string         `msgpack:"modelset"`
	Options  map[string]any `msgpack:"options"`
}

// Artifact is the persisted cache entry.
type Artifact struct {
	Version   int            `msgpack:"version"`
	Filename  string         `msgpack:"filename"`
	Filterset string         `msgpack:"filterset"`
	Filters   FilterSnapshot `msgpack:"filters"`
	Models    ModelSnapshot  `msgpack:"models"`
	Redshifts []float64      `msgpack:"redshifts"`
	NRadio    int            `msgpack:"n_radio"`
	NXray     int            `msgpack:"n_xray"`
	Grid      *model.Grid    `msgpack:"grid"`
	CreatedAt time.Time      `msgpack:"created_at"`
}

func snapshotFilters(f config.FiltersConfig) FilterSnapshot {
	return FilterSnapshot{
		Filterset:      f.Filterset,
		Bands:          append([]config.BandToggle(nil), f.Bands...),
		AddFilters:     f.AddFilters,
		AddFiltersDict: f.AddFiltersDict,
	}
}

// ReadArtifact loads the entry at path. A missing file is returned
// unwrapped so callers can test it with fs.ErrNotExist; anything that
// cannot be decoded is a resilience.CorruptArtifactError.
func ReadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, eris.Wrap(err, "gridcache: open artifact")
	}
	defer f.Close() //nolint:errcheck

	var art Artifact
	if err := msgpack.NewDecoder(f).Decode(&art); err != nil {
		return nil, &resilience.CorruptArtifactError{Path: path, Err: err}
	}
	if art.Version != SchemaVersion {
		return nil, &resilience.CorruptArtifactError{
			Path: path,
			Err:  eris.Errorf("schema version %d, expected %d", art.Version, SchemaVersion),
		}
	}
	if art.Grid == nil {
		return nil, &resilience.CorruptArtifactError{Path: path, Err: eris.New("artifact has no grid")}
	}
	return &art, nil
}

// WriteArtifact writes art to a temporary file beside path and renames it
// into place, so readers never observe a partial entry.
func WriteArtifact(path string, art *Artifact) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "gridcache: create artifact dir")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "gridcache: create temp artifact")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := msgpack.NewEncoder(tmp).Encode(art); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrap(err, "gridcache: encode artifact")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrap(err, "gridcache: sync artifact")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "gridcache: close artifact")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrap(err, "gridcache: rename artifact")
	}
	return nil
}
