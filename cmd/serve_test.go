package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/monitoring"
	"github.com/sells-group/agnfit-cli/internal/store"
)

func seededStore(t *testing.T) (*store.SQLiteStore, []string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	var ids []string
	for i, name := range []string{"src0", "src1", "src2"} {
		run, err := st.CreateRun(ctx, "sources.txt", i, name)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	require.NoError(t, st.CompleteRun(ctx, ids[0], true))
	require.NoError(t, st.CompleteRun(ctx, ids[1], false))
	require.NoError(t, st.FailRun(ctx, ids[2], model.FitStatusFailed,
		&model.FitError{Message: "sampler exited", Category: model.ErrorCategoryFit}))
	return st, ids
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	st, _ := seededStore(t)
	rec := get(t, newRouter(st), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_ListRuns(t *testing.T) {
	st, _ := seededStore(t)
	h := newRouter(st)

	rec := get(t, h, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.FitRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 3)

	rec = get(t, h, "/runs?status=failed")
	require.Equal(t, http.StatusOK, rec.Code)
	runs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "src2", runs[0].Source)
	require.NotNil(t, runs[0].Error)
	assert.Equal(t, model.ErrorCategoryFit, runs[0].Error.Category)

	rec = get(t, h, "/runs?catalog=other.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRouter_ListRunsBadParams(t *testing.T) {
	st, _ := seededStore(t)
	h := newRouter(st)

	for _, target := range []string{"/runs?limit=abc", "/runs?limit=-1", "/runs?offset=x"} {
		rec := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRouter_GetRun(t *testing.T) {
	st, ids := seededStore(t)
	h := newRouter(st)

	rec := get(t, h, "/runs/"+ids[0])
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.FitRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "src0", run.Source)
	assert.Equal(t, model.FitStatusFit, run.Status)
	assert.True(t, run.Sampled)

	rec = get(t, h, "/runs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Stats(t *testing.T) {
	st, _ := seededStore(t)
	rec := get(t, newRouter(st), "/stats?catalog=sources.txt")

	require.Equal(t, http.StatusOK, rec.Code)
	var snap monitoring.LedgerSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 2, snap.Fit)
	assert.Equal(t, 1, snap.Failed)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 1e-9)
	assert.Len(t, snap.RecentFailures, 1)

	rec = get(t, newRouter(st), "/stats?hours=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	st, _ := seededStore(t)
	rec := get(t, newRouter(st), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
