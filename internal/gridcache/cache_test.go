package gridcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/resilience"
	"github.com/sells-group/agnfit-cli/pkg/sedproc"
)

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) BuildGrid(ctx context.Context, req sedproc.BuildRequest) (*model.Grid, error) {
	args := m.Called(ctx, req)
	if g := args.Get(0); g != nil {
		return g.(*model.Grid), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubConfirmer struct {
	answer bool
	calls  int
}

func (s *stubConfirmer) Confirm(_ context.Context, _ *resilience.InconsistencyError) (bool, error) {
	s.calls++
	return s.answer, nil
}

func testGrid(nBands int) *model.Grid {
	bands := []string{"u", "g", "r", "i", "z"}[:nBands]
	fluxes := make([]float64, nBands)
	for i := range fluxes {
		fluxes[i] = float64(i) + 0.25
	}
	return &model.Grid{
		Filterset: "fs1",
		Modelset:  "ms1",
		Bands:     bands,
		Redshifts: []float64{0.5},
		Templates: []model.Template{{
			Family:   "galaxy",
			Params:   map[string]float64{"tau": 1.5, "age": 9.2},
			Redshift: 0.5,
			Fluxes:   fluxes,
		}},
	}
}

func testRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		Key:     filepath.Join(t.TempDir(), "src1", "MODELSDICT_src1_z0.5"),
		Catalog: "catalog.txt",
		Filters: config.FiltersConfig{
			Filterset: "fs1",
			Bands: []config.BandToggle{
				{Name: "u", Enabled: true, Index: 0},
				{Name: "g", Enabled: true, Index: 1},
				{Name: "r", Enabled: true, Index: 2},
				{Name: "i", Enabled: false, Index: 3},
			},
		},
		Models:    config.ModelsConfig{Path: "models/", Modelset: "ms1"},
		Redshifts: []float64{0.5},
		BandCount: 3,
	}
}

func fastWait() resilience.RetryConfig {
	return resilience.RetryConfig{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Multiplier: 1.5}
}

func TestResolve_BuildsThenReuses(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.MatchedBy(func(r sedproc.BuildRequest) bool {
		return r.Filterset == "fs1" && len(r.Bands) == 3 && r.Bands[2] == "r"
	})).Return(testGrid(3), nil).Once()

	c := New(b, WithLockWait(fastWait()))
	req := testRequest(t)

	first, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Built)
	assert.FileExists(t, req.Key)
	assert.NoFileExists(t, lockPath(req.Key))

	second, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Built)
	assert.Equal(t, first.Grid, second.Grid)
	assert.Equal(t, "catalog.txt", second.Artifact.Filename)
	assert.Equal(t, SchemaVersion, second.Artifact.Version)

	b.AssertNumberOfCalls(t, "BuildGrid", 1)
}

func TestResolve_ForwardsDetectionCounts(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.MatchedBy(func(r sedproc.BuildRequest) bool {
		return r.NRadio == 2 && r.NXray == 1
	})).Return(testGrid(3), nil).Once()

	req := testRequest(t)
	req.NRadio, req.NXray = 2, 1
	res, err := New(b).Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Artifact.NRadio)
	assert.Equal(t, 1, res.Artifact.NXray)
	b.AssertExpectations(t)
}

func TestResolve_OverwriteRebuilds(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil)

	c := New(b)
	req := testRequest(t)
	_, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)

	// Even an inconsistent entry is replaced when overwriting.
	req.Filters.Bands[3].Enabled = true
	req.Filters.Bands[2].Enabled = false
	req.Overwrite = true
	res, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Built)
	assert.Equal(t, req.Filters.Bands, res.Artifact.Filters.Bands)

	b.AssertNumberOfCalls(t, "BuildGrid", 2)
}

func TestResolve_OverwriteWithoutEntry(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil).Once()

	req := testRequest(t)
	req.Overwrite = true
	res, err := New(b).Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Built)
}

func TestResolve_Inconsistent(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil).Once()

	c := New(b)
	req := testRequest(t)
	_, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)

	req.Filters.Bands[2].Enabled = false
	req.Filters.Bands[3].Enabled = true
	_, err = c.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, resilience.IsInconsistent(err))
	assert.True(t, resilience.IsFatal(err))
	assert.Contains(t, err.Error(), "filters.filterset")
	assert.Contains(t, err.Error(), "-o")

	var inc *resilience.InconsistencyError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, []string{"i", "r"}, inc.Fields)
}

func TestResolve_InconsistentAddFilters(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil).Once()

	c := New(b)
	req := testRequest(t)
	_, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)

	req.Filters.AddFilters = true
	_, err = c.Resolve(context.Background(), req)
	assert.True(t, resilience.IsInconsistent(err))
}

func TestResolve_ConfirmerAcceptsStale(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil).Once()

	req := testRequest(t)
	_, err := New(b).Resolve(context.Background(), req)
	require.NoError(t, err)

	confirm := &stubConfirmer{answer: true}
	req.Filters.AddFilters = true
	res, err := New(b, WithConfirmer(confirm)).Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, 1, confirm.calls)

	confirm.answer = false
	_, err = New(b, WithConfirmer(confirm)).Resolve(context.Background(), req)
	assert.True(t, resilience.IsInconsistent(err))
}

func TestResolve_IndexChangeIsNotFatal(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil).Once()

	c := New(b)
	req := testRequest(t)
	_, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)

	req.Filters.Bands[0].Index = 9
	req.Filters.AddFiltersDict = "extra.dat"
	res, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Stale)
}

func TestResolve_BandCountMismatchAlwaysFatal(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(4), nil).Once()

	req := testRequest(t)
	req.BandCount = 5
	c := New(b, WithConfirmer(&stubConfirmer{answer: true}))

	_, err := c.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, resilience.IsConfig(err))
	assert.Contains(t, err.Error(), "5 photometric bands")
	assert.Contains(t, err.Error(), "encodes 4")

	// The reused entry fails the same way.
	_, err = c.Resolve(context.Background(), req)
	assert.True(t, resilience.IsConfig(err))
	b.AssertNumberOfCalls(t, "BuildGrid", 1)
}

func TestResolve_CorruptEntry(t *testing.T) {
	req := testRequest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(req.Key), 0o755))
	require.NoError(t, os.WriteFile(req.Key, []byte{0xc1, 0x00, 0xff}, 0o644))

	b := &mockBuilder{}
	_, err := New(b).Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, resilience.IsCorrupt(err))
	assert.False(t, resilience.IsFatal(err))
	b.AssertNotCalled(t, "BuildGrid", mock.Anything, mock.Anything)
}

func TestResolve_TruncatedEntry(t *testing.T) {
	req := testRequest(t)
	art := &Artifact{Version: SchemaVersion, Grid: testGrid(3)}
	require.NoError(t, WriteArtifact(req.Key, art))

	data, err := os.ReadFile(req.Key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(req.Key, data[:len(data)/2], 0o644))

	_, err = New(&mockBuilder{}).Resolve(context.Background(), req)
	assert.True(t, resilience.IsCorrupt(err))
}

func TestResolve_EmptyEntry(t *testing.T) {
	req := testRequest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(req.Key), 0o755))
	require.NoError(t, os.WriteFile(req.Key, nil, 0o644))

	_, err := New(&mockBuilder{}).Resolve(context.Background(), req)
	assert.True(t, resilience.IsCorrupt(err))
}

func TestResolve_VersionMismatch(t *testing.T) {
	req := testRequest(t)
	require.NoError(t, WriteArtifact(req.Key, &Artifact{Version: SchemaVersion + 1, Grid: testGrid(3)}))

	_, err := New(&mockBuilder{}).Resolve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, resilience.IsCorrupt(err))
	assert.Contains(t, err.Error(), "schema version")
}

func TestResolve_BuilderFailure(t *testing.T) {
	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(nil, errors.New("model files missing")).Once()

	req := testRequest(t)
	_, err := New(b).Resolve(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model files missing")
	assert.NoFileExists(t, req.Key)
	assert.NoFileExists(t, lockPath(req.Key))
}

func TestResolve_WaitsForHeldLock(t *testing.T) {
	req := testRequest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(req.Key), 0o755))
	require.NoError(t, os.WriteFile(lockPath(req.Key), []byte("other-host 1\n"), 0o644))

	go func() {
		time.Sleep(50 * time.Millisecond)
		art := &Artifact{Version: SchemaVersion, Filters: snapshotFilters(req.Filters), Grid: testGrid(3)}
		_ = WriteArtifact(req.Key, art)
		_ = os.Remove(lockPath(req.Key))
	}()

	b := &mockBuilder{}
	res, err := New(b, WithLockWait(fastWait())).Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Built)
	b.AssertNotCalled(t, "BuildGrid", mock.Anything, mock.Anything)
}

func TestResolve_BreaksStaleLock(t *testing.T) {
	req := testRequest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(req.Key), 0o755))
	lock := lockPath(req.Key)
	require.NoError(t, os.WriteFile(lock, []byte("dead-host 1\n"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	b := &mockBuilder{}
	b.On("BuildGrid", mock.Anything, mock.Anything).Return(testGrid(3), nil).Once()

	res, err := New(b, WithLockWait(fastWait()), WithStaleLockAfter(time.Hour)).Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Built)
}

func TestResolve_CancelledWhileWaiting(t *testing.T) {
	req := testRequest(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(req.Key), 0o755))
	require.NoError(t, os.WriteFile(lockPath(req.Key), []byte("other\n"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := New(&mockBuilder{}, WithLockWait(fastWait()), WithStaleLockAfter(0)).Resolve(ctx, req)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSourceKey(t *testing.T) {
	key := SourceKey("/out", model.SourceRecord{Name: "src7", RedshiftText: "0.120"})
	assert.Equal(t, "/out/src7/MODELSDICT_src7_z0.120", key)
}

func TestGlobalKey(t *testing.T) {
	cfg := &config.Config{
		Catalog: config.CatalogConfig{Path: "/opt/agn/"},
		Filters: config.FiltersConfig{Filterset: "fs1"},
		Models:  config.ModelsConfig{Path: "models/MODELSDICTS/", Modelset: "ms1"},
	}
	assert.Equal(t, "/opt/agn/models/MODELSDICTS/fs1ms1", GlobalKey(cfg))
}

func TestCompareFilters(t *testing.T) {
	stored := FilterSnapshot{Bands: []config.BandToggle{
		{Name: "a", Enabled: true, Index: 0},
		{Name: "b", Enabled: true, Index: 1},
		{Name: "old", Enabled: true, Index: 2},
	}}
	requested := config.FiltersConfig{Bands: []config.BandToggle{
		{Name: "a", Enabled: true, Index: 5},
		{Name: "b", Enabled: true, Index: 1},
		{Name: "new", Enabled: false, Index: 3},
	}}

	mismatched, changed := compareFilters(stored, requested)
	assert.Equal(t, []string{"old"}, mismatched)
	assert.Equal(t, []string{"a.index"}, changed)
}
