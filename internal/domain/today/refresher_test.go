package today

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosetrack/dosetrack/internal/observability/metrics"
)

func countingLoader(calls *atomic.Int64) SnapshotLoader {
	return func(ctx context.Context) (*Snapshot, error) {
		calls.Add(1)
		return testSnapshot(testMedicine(30)), nil
	}
}

func newTestRefresher(loader SnapshotLoader) *Refresher {
	cfg := RefresherConfig{QuietPeriod: 10 * time.Millisecond, LoadTimeout: time.Second}
	return NewRefresher(loader, nil, NewSynthesizer(nil), nil, cfg, nil)
}

func TestRefreshNowCommits(t *testing.T) {
	var calls atomic.Int64
	r := newTestRefresher(countingLoader(&calls))

	state, err := r.RefreshNow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.TherapyItems, 2)
	assert.Same(t, state, r.Latest())
	assert.Equal(t, int64(1), calls.Load())
}

func TestRefreshNowLoaderError(t *testing.T) {
	boom := errors.New("store down")
	r := newTestRefresher(func(ctx context.Context) (*Snapshot, error) {
		return nil, boom
	})

	_, err := r.RefreshNow(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, r.Latest())
}

func TestSupersededPassDoesNotCommit(t *testing.T) {
	var calls atomic.Int64
	r := newTestRefresher(countingLoader(&calls))
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	r.SetMetrics(m)

	committed, err := r.RefreshNow(context.Background())
	require.NoError(t, err)

	// Simulate a pass that lost the race: a newer token was issued
	// while it was running.
	stale := r.seq.Load()
	r.seq.Add(1)
	state, err := r.run(context.Background(), stale)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Same(t, committed, r.Latest(), "stale pass must not overwrite")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RefreshesLaunched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshesSuperseded))
}

func TestKicksCoalesce(t *testing.T) {
	var calls atomic.Int64
	r := newTestRefresher(countingLoader(&calls))

	committed := make(chan *TodayState, 16)
	r.OnCommit(func(s *TodayState) { committed <- s })
	r.Start()
	defer r.Stop()

	for i := 0; i < 10; i++ {
		r.Kick()
	}

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh committed")
	}

	// The burst landed within one quiet period; at most a couple of
	// passes may have run, never one per kick.
	assert.LessOrEqual(t, calls.Load(), int64(2))
	assert.NotNil(t, r.Latest())
}

func TestOnCommitReceivesState(t *testing.T) {
	var calls atomic.Int64
	r := newTestRefresher(countingLoader(&calls))

	var got *TodayState
	r.OnCommit(func(s *TodayState) { got = s })

	state, err := r.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Same(t, state, got)
}

func TestStopCancelsLoop(t *testing.T) {
	var calls atomic.Int64
	r := newTestRefresher(countingLoader(&calls))
	r.Start()
	r.Stop()
	// Stop returns only after the loop exits; a second Kick is inert.
	r.Kick()
}

func TestStopWithoutStart(t *testing.T) {
	var calls atomic.Int64
	r := newTestRefresher(countingLoader(&calls))

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung with no loop running")
	}
}
