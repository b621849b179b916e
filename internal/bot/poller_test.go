package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/summarybot/internal/commander"
	"github.com/stupiduntilnot/summarybot/internal/control"
)

type pollStep struct {
	updates []cmdpkg.Update
	err     error
}

// scriptedSource replays steps and then blocks until ctx is done.
type scriptedSource struct {
	mu      sync.Mutex
	steps   []pollStep
	offsets []int64
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int64, _ int) ([]cmdpkg.Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		s.mu.Unlock()
		return step.updates, step.err
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) seenOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

type collectingHandler struct {
	mu      sync.Mutex
	updates []int64
	done    chan struct{}
	want    int
}

func (h *collectingHandler) Handle(_ context.Context, u cmdpkg.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u.UpdateID)
	if len(h.updates) == h.want {
		close(h.done)
	}
}

func runPoller(t *testing.T, p *Poller, until <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	select {
	case <-until:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not reach the expected state")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestPoller_AdvancesOffsetAndSkipsNonMessages(t *testing.T) {
	src := &scriptedSource{steps: []pollStep{
		{updates: []cmdpkg.Update{msgUpdate(7, 1, "", "a"), {UpdateID: 8}}},
		{updates: []cmdpkg.Update{msgUpdate(9, 1, "", "b")}},
	}}
	h := &collectingHandler{done: make(chan struct{}), want: 2}
	p := NewPoller(src, h, PollerOptions{Sleep: time.Millisecond, Logger: quiet()})

	runPoller(t, p, h.done)

	assert.Equal(t, []int64{7, 9}, h.updates)
	assert.Equal(t, int64(10), p.Offset())
	assert.Equal(t, []int64{0, 9}, src.seenOffsets()[:2])
}

func TestPoller_DropPendingBootstraps(t *testing.T) {
	src := &scriptedSource{steps: []pollStep{
		{updates: []cmdpkg.Update{msgUpdate(41, 1, "", "old")}},
		{updates: []cmdpkg.Update{msgUpdate(42, 1, "", "new")}},
	}}
	h := &collectingHandler{done: make(chan struct{}), want: 1}
	p := NewPoller(src, h, PollerOptions{DropPending: true, Sleep: time.Millisecond, Logger: quiet()})

	runPoller(t, p, h.done)

	assert.Equal(t, []int64{42}, h.updates)
	assert.Equal(t, []int64{-1, 42}, src.seenOffsets()[:2])
}

func TestPoller_ErrorsOpenCircuit(t *testing.T) {
	failure := errors.New("network unreachable")
	src := &scriptedSource{steps: []pollStep{
		{err: failure},
		{err: failure},
		{updates: []cmdpkg.Update{msgUpdate(1, 1, "", "ok")}},
	}}
	h := &collectingHandler{done: make(chan struct{}), want: 1}
	journal := &recordingJournal{}
	breaker := control.NewCircuitBreaker(2, 10*time.Millisecond)
	p := NewPoller(src, h, PollerOptions{Sleep: 5 * time.Millisecond, Breaker: breaker, Journal: journal, Logger: quiet()})

	runPoller(t, p, h.done)

	assert.Equal(t, control.CircuitClosed, breaker.State())
	assert.Equal(t, []string{"circuit.opened", "circuit.closed"}, journal.events)
}

func TestPoller_StopsOnCancel(t *testing.T) {
	src := &scriptedSource{}
	p := NewPoller(src, &collectingHandler{done: make(chan struct{})}, PollerOptions{Logger: quiet()})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, p.Run(ctx))
}
