package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ingestd/internal/store"
	storememory "ingestd/internal/store/memory"
)

type recordingPool struct {
	mu       sync.Mutex
	free     int
	received []string
}

func (p *recordingPool) FreeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

func (p *recordingPool) Submit(ctx context.Context, order store.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, order.UUID)
	p.free--
}

func TestPollOnceClaimsUntilPoolIsFull(t *testing.T) {
	tracker := storememory.New()
	now := time.Now().UTC()
	tracker.Seed(store.Order{UUID: "a", Files: []string{"/x"}}, now)
	tracker.Seed(store.Order{UUID: "b", Files: []string{"/y"}}, now.Add(time.Second))
	tracker.Seed(store.Order{UUID: "c", Files: []string{"/z"}}, now.Add(2*time.Second))

	p := &recordingPool{free: 2}
	poller := &Poller{Tracker: tracker, Pool: p, Log: zap.NewNop().Sugar()}
	poller.pollOnce(context.Background())

	require.Len(t, p.received, 2)
	assert.Equal(t, []string{"a", "b"}, p.received)
}

func TestPollOnceStopsWhenNothingPending(t *testing.T) {
	tracker := storememory.New()
	p := &recordingPool{free: 5}
	poller := &Poller{Tracker: tracker, Pool: p, Log: zap.NewNop().Sugar()}
	poller.pollOnce(context.Background())

	assert.Empty(t, p.received)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tracker := storememory.New()
	p := &recordingPool{free: 0}
	poller := &Poller{Tracker: tracker, Pool: p, Interval: 5 * time.Millisecond, Log: zap.NewNop().Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
