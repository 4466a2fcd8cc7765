package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	calls   atomic.Int32
	results []int
}

func (p *fakePoller) PollOnce(context.Context) (int, error) {
	i := int(p.calls.Add(1)) - 1
	if i < len(p.results) {
		return p.results[i], nil
	}

	return 0, nil
}

type fakeReaper struct {
	reaps     atomic.Int32
	refreshes atomic.Int32
}

func (r *fakeReaper) ReapOnce(context.Context) (int, error) {
	r.reaps.Add(1)

	return 0, errors.New("db down")
}

func (r *fakeReaper) RefreshAgeMetrics(context.Context) error {
	r.refreshes.Add(1)

	return nil
}

func TestPoller_DrainsFullBatches(t *testing.T) {
	p := &fakePoller{results: []int{10, 10, 3}}
	w := NewPoller(p, time.Hour, 10)

	w.drain(context.Background())

	assert.Equal(t, int32(3), p.calls.Load())
}

func TestPoller_StartAndStop(t *testing.T) {
	p := &fakePoller{}
	w := NewPoller(p, 5*time.Millisecond, 10)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestReaper_RefreshesMetricsEvenWhenReapFails(t *testing.T) {
	r := &fakeReaper{}
	w := NewReaper(r, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.refreshes.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, r.reaps.Load(), int32(1))
}
