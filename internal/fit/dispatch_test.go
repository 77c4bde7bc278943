package fit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/resilience"
)

type fakeCatalog []model.SourceRecord

func (c fakeCatalog) Len() int { return len(c) }

func (c fakeCatalog) Get(line int) (model.SourceRecord, error) {
	if line < 0 || line >= len(c) {
		return model.SourceRecord{}, fmt.Errorf("line %d out of range", line)
	}
	return c[line], nil
}

func newFakeCatalog(n int) fakeCatalog {
	cat := make(fakeCatalog, n)
	for i := range cat {
		cat[i] = model.SourceRecord{Line: i, Name: fmt.Sprintf("src%d", i)}
	}
	return cat
}

type funcFitter func(ctx context.Context, src model.SourceRecord) (Outcome, error)

func (f funcFitter) FitSource(ctx context.Context, src model.SourceRecord) (Outcome, error) {
	return f(ctx, src)
}

func fitted(src model.SourceRecord, sampled bool) Outcome {
	return Outcome{Line: src.Line, Source: src.Name, Status: model.FitStatusFit, Sampled: sampled}
}

func TestDispatcher_Sequential(t *testing.T) {
	var order []int
	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		order = append(order, src.Line)
		switch src.Line {
		case 1:
			return Outcome{Status: model.FitStatusSkipped}, nil
		case 2:
			return Outcome{Status: model.FitStatusFailed}, errors.New("sampler exited")
		}
		return fitted(src, src.Line == 0), nil
	})

	sum, err := NewDispatcher(fitter, 1).Run(context.Background(), newFakeCatalog(4), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Fit)
	assert.Equal(t, 1, sum.Sampled)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "src2", sum.Failures[0].Source)
}

func TestDispatcher_PoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	var active, peak atomic.Int32
	var mu sync.Mutex
	seen := map[int]int{}

	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)

		mu.Lock()
		seen[src.Line]++
		mu.Unlock()
		return fitted(src, true), nil
	})

	sum, err := NewDispatcher(fitter, workers).Run(context.Background(), newFakeCatalog(20), nil)
	require.NoError(t, err)
	assert.Equal(t, 20, sum.Fit)
	assert.Equal(t, 20, sum.Sampled)
	assert.Len(t, seen, 20)
	for line, n := range seen {
		assert.Equal(t, 1, n, "line %d", line)
	}
	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestDispatcher_SelectedLines(t *testing.T) {
	var got []int
	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		got = append(got, src.Line)
		return fitted(src, false), nil
	})

	sum, err := NewDispatcher(fitter, 1).Run(context.Background(), newFakeCatalog(5), []int{3})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got)
	assert.Equal(t, 1, sum.Total)
}

func TestDispatcher_LineOutOfRange(t *testing.T) {
	fitter := funcFitter(func(context.Context, model.SourceRecord) (Outcome, error) {
		t.Fatal("fitter must not run")
		return Outcome{}, nil
	})

	_, err := NewDispatcher(fitter, 1).Run(context.Background(), newFakeCatalog(2), []int{5})
	require.Error(t, err)
	assert.True(t, resilience.IsConfig(err))
}

func TestDispatcher_FatalAbortsSequential(t *testing.T) {
	var calls int
	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		calls++
		if src.Line == 1 {
			return Outcome{}, &resilience.InconsistencyError{Key: "k", Fields: []string{"u"}}
		}
		return fitted(src, false), nil
	})

	sum, err := NewDispatcher(fitter, 1).Run(context.Background(), newFakeCatalog(5), nil)
	require.Error(t, err)
	assert.True(t, resilience.IsInconsistent(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, sum.Fit)
}

func TestDispatcher_FatalAbortsPool(t *testing.T) {
	var calls atomic.Int32
	fitter := funcFitter(func(ctx context.Context, src model.SourceRecord) (Outcome, error) {
		calls.Add(1)
		if src.Line == 0 {
			return Outcome{}, resilience.NewConfigError("catalog has 5 photometric bands but model dictionary k encodes 4", "")
		}
		select {
		case <-ctx.Done():
		case <-time.After(20 * time.Millisecond):
		}
		return fitted(src, false), nil
	})

	_, err := NewDispatcher(fitter, 2).Run(context.Background(), newFakeCatalog(50), nil)
	require.Error(t, err)
	assert.True(t, resilience.IsConfig(err))
	assert.Less(t, calls.Load(), int32(50))
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		if src.Line == 1 {
			panic("index out of range")
		}
		return fitted(src, false), nil
	})

	for _, workers := range []int{1, 4} {
		sum, err := NewDispatcher(fitter, workers).Run(context.Background(), newFakeCatalog(3), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Fit)
		assert.Equal(t, 1, sum.Failed)
		require.Len(t, sum.Failures, 1)
		assert.Contains(t, sum.Failures[0].Error, "index out of range")
	}
}

func TestDispatcher_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		cancel()
		return fitted(src, false), nil
	})

	sum, err := NewDispatcher(fitter, 1).Run(ctx, newFakeCatalog(3), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Fit)
}

func TestDispatcher_Progress(t *testing.T) {
	var buf bytes.Buffer
	fitter := funcFitter(func(_ context.Context, src model.SourceRecord) (Outcome, error) {
		return fitted(src, false), nil
	})

	sum, err := NewDispatcher(fitter, 2, WithProgress(&buf)).Run(context.Background(), newFakeCatalog(4), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Fit)
	assert.NotEmpty(t, buf.String())
}
