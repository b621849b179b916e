package summary

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/summarybot/internal/control"
	"github.com/stupiduntilnot/summarybot/internal/db"
	"github.com/stupiduntilnot/summarybot/internal/dummy"
	"github.com/stupiduntilnot/summarybot/internal/history"
	"github.com/stupiduntilnot/summarybot/internal/smaipl"
)

type memJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *memJournal) Record(eventType string, _ map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
}

func (j *memJournal) has(eventType string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type pushRecorder struct {
	mu    sync.Mutex
	texts []string
	meta  []map[string]any
}

func (p *pushRecorder) Push(_ context.Context, summary string, meta map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, summary)
	p.meta = append(p.meta, meta)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastRetry() control.RetryPolicy {
	return control.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newPipeline(t *testing.T, store *history.Store, backend Backend, mutate func(*Options)) (*Pipeline, *memJournal) {
	t.Helper()
	j := &memJournal{}
	opts := Options{
		LastN:         30,
		FallbackLines: 2,
		Retry:         fastRetry(),
		Journal:       j,
		Logger:        quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewPipeline(store, backend, opts), j
}

func seeded(texts ...string) *history.Store {
	s := history.NewStore(50, "/", "user")
	for _, text := range texts {
		s.Record(1, "", text)
	}
	return s
}

func TestSummarize_EmptyHistoryMakesNoCall(t *testing.T) {
	backend, err := dummy.NewBackend("ok")
	require.NoError(t, err)
	p, j := newPipeline(t, seeded(), backend, nil)

	_, err = p.Summarize(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrNoHistory)
	assert.Equal(t, 0, backend.Calls())
	assert.False(t, j.has(db.EventSummaryRequested))
}

func TestSummarize_RetriesTransientThenSucceeds(t *testing.T) {
	backend, err := dummy.NewBackend("err:5xx,err:timeout,msg:итог")
	require.NoError(t, err)
	p, j := newPipeline(t, seeded("a", "b", "c"), backend, nil)

	res, err := p.Summarize(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "итог", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Fallback)
	assert.Equal(t, 3, backend.Calls())
	assert.NotEmpty(t, res.RunID)
	assert.True(t, j.has(db.EventRetryScheduled))
	assert.True(t, j.has(db.EventSummaryCompleted))

	assert.Equal(t, "user: a\nuser: b\nuser: c", backend.Requests()[0].Transcript)
}

func TestSummarize_AlwaysTimingOutFallsBack(t *testing.T) {
	backend, err := dummy.NewBackend("err:timeout")
	require.NoError(t, err)
	p, j := newPipeline(t, seeded("first", "second", "third"), backend, nil)

	res, err := p.Summarize(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 3, backend.Calls())
	assert.NotEmpty(t, res.Text)
	assert.Contains(t, res.Text, "• user: second")
	assert.Contains(t, res.Text, "• user: third")
	assert.NotContains(t, res.Text, "first")
	assert.True(t, j.has(db.EventSummaryFallback))
}

func TestSummarize_RejectionIsNotRetried(t *testing.T) {
	backend, err := dummy.NewBackend("err:4xx,msg:never")
	require.NoError(t, err)
	p, j := newPipeline(t, seeded("x"), backend, nil)

	res, err := p.Summarize(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.False(t, res.Fallback)
	assert.Equal(t, 1, backend.Calls())
	assert.True(t, j.has(db.EventSummaryRejected))
}

func TestSummarize_UsesWindow(t *testing.T) {
	backend, err := dummy.NewBackend("ok")
	require.NoError(t, err)
	p, _ := newPipeline(t, seeded("a", "b", "c", "d"), backend, func(o *Options) { o.LastN = 2 })

	_, err = p.Summarize(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "user: c\nuser: d", backend.Requests()[0].Transcript)
}

func TestSummarize_OpenCircuitSkipsBackend(t *testing.T) {
	backend, err := dummy.NewBackend("err:5xx")
	require.NoError(t, err)
	breaker := control.NewCircuitBreaker(1, time.Hour)
	p, j := newPipeline(t, seeded("x"), backend, func(o *Options) {
		o.Breaker = breaker
		o.Retry.MaxAttempts = 1
	})

	res, err := p.Summarize(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, control.CircuitOpen, breaker.State())
	assert.True(t, j.has(db.EventCircuitOpened))

	res, err = p.Summarize(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 1, backend.Calls())
}

func TestSummarize_CallerCancellationLeavesBreakerAlone(t *testing.T) {
	backend, err := dummy.NewBackend("sleep:1000")
	require.NoError(t, err)
	breaker := control.NewCircuitBreaker(1, time.Hour)
	p, j := newPipeline(t, seeded("x"), backend, func(o *Options) { o.Breaker = breaker })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Summarize(ctx, 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, control.CircuitClosed, breaker.State())
	assert.Equal(t, 1, backend.Calls())
	assert.True(t, j.has(db.EventSummaryAbandoned))
	assert.False(t, j.has(db.EventSummaryFallback))
	assert.False(t, j.has(db.EventCircuitOpened))
}

func TestSummarize_PushesGeneratedSummary(t *testing.T) {
	backend, err := dummy.NewBackend("msg:done")
	require.NoError(t, err)
	pusher := &pushRecorder{}
	p, _ := newPipeline(t, seeded("x"), backend, func(o *Options) { o.Pusher = pusher })

	_, err = p.Summarize(context.Background(), 1, map[string]any{"telegram_message_id": 77})
	require.NoError(t, err)
	require.Len(t, pusher.texts, 1)
	assert.Equal(t, "done", pusher.texts[0])
	assert.Equal(t, 77, pusher.meta[0]["telegram_message_id"])
	assert.EqualValues(t, 1, pusher.meta[0]["telegram_chat_id"])
}

func TestSummarizeEntries_ExplicitEntries(t *testing.T) {
	backend, err := dummy.NewBackend("ok")
	require.NoError(t, err)
	p, _ := newPipeline(t, seeded(), backend, nil)

	_, err = p.SummarizeEntries(context.Background(), 1, []history.Entry{{Author: "ann", Text: "quoted"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ann: quoted", backend.Requests()[0].Transcript)

	_, err = p.SummarizeEntries(context.Background(), 1, nil, nil)
	assert.ErrorIs(t, err, ErrNoHistory)
}

// blockingBackend tracks how many calls run at once per chat.
type blockingBackend struct {
	mu      sync.Mutex
	active  map[int64]int
	maxSeen map[int64]int
	calls   atomic.Int32
	delay   time.Duration
}

func (b *blockingBackend) Summarize(ctx context.Context, req smaipl.Request) (smaipl.Response, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.active[req.ChatID]++
	if b.active[req.ChatID] > b.maxSeen[req.ChatID] {
		b.maxSeen[req.ChatID] = b.active[req.ChatID]
	}
	b.mu.Unlock()

	time.Sleep(b.delay)

	b.mu.Lock()
	b.active[req.ChatID]--
	b.mu.Unlock()
	return smaipl.Response{Text: req.Transcript, Matched: true}, nil
}

func TestSummarize_SameChatDoesNotInterleave(t *testing.T) {
	store := history.NewStore(50, "/", "user")
	store.Record(1, "", "one")
	store.Record(2, "", "two")
	backend := &blockingBackend{active: map[int64]int{}, maxSeen: map[int64]int{}, delay: 20 * time.Millisecond}
	p, _ := newPipeline(t, store, backend, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, chat := range []int64{1, 2} {
			wg.Add(1)
			go func(chat int64) {
				defer wg.Done()
				_, err := p.Summarize(context.Background(), chat, nil)
				assert.NoError(t, err)
			}(chat)
		}
	}
	wg.Wait()

	assert.EqualValues(t, 8, backend.calls.Load())
	assert.Equal(t, 1, backend.maxSeen[1])
	assert.Equal(t, 1, backend.maxSeen[2])
	assert.Equal(t, 0, p.locks.size())
}

func TestSummarize_DifferentChatsRunInParallel(t *testing.T) {
	store := history.NewStore(50, "/", "user")
	store.Record(1, "", "one")
	store.Record(2, "", "two")
	backend := &blockingBackend{active: map[int64]int{}, maxSeen: map[int64]int{}, delay: 100 * time.Millisecond}
	p, _ := newPipeline(t, store, backend, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for _, chat := range []int64{1, 2} {
		wg.Add(1)
		go func(chat int64) {
			defer wg.Done()
			_, _ = p.Summarize(context.Background(), chat, nil)
		}(chat)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 190*time.Millisecond)
}

func TestSummarize_WaitingCallerHonorsContext(t *testing.T) {
	store := seeded("x")
	backend := &blockingBackend{active: map[int64]int{}, maxSeen: map[int64]int{}, delay: 200 * time.Millisecond}
	p, _ := newPipeline(t, store, backend, nil)

	go func() { _, _ = p.Summarize(context.Background(), 1, nil) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Summarize(ctx, 1, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFallback_Bullets(t *testing.T) {
	entries := []history.Entry{{Author: "ann", Text: "hi\nthere"}, {Author: "bob", Text: strings.Repeat("x", 400)}}
	out := Fallback(entries, 5)
	assert.True(t, strings.HasPrefix(out, fallbackHeader))
	assert.Contains(t, out, "• ann: hi there")
	assert.Contains(t, out, "…")
	assert.Equal(t, "", Fallback(nil, 5))
}
