// Package summary turns a chat's recent history into a summary via the
// SMAIPL backend, degrading to a local fallback when the backend is down.
package summary

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stupiduntilnot/summarybot/internal/control"
	"github.com/stupiduntilnot/summarybot/internal/db"
	"github.com/stupiduntilnot/summarybot/internal/history"
	"github.com/stupiduntilnot/summarybot/internal/smaipl"
)

// ErrNoHistory means the chat has nothing to summarize. It is an
// informational condition, not a failure.
var ErrNoHistory = errors.New("no history available")

// History is the read side of the history buffer.
type History interface {
	Entries(chatID int64, lastN int) []history.Entry
}

// Backend performs a single summarization attempt.
type Backend interface {
	Summarize(ctx context.Context, req smaipl.Request) (smaipl.Response, error)
}

// Journal records pipeline events.
type Journal interface {
	Record(eventType string, payload map[string]any)
}

// Pusher forwards generated summaries downstream.
type Pusher interface {
	Push(ctx context.Context, summary string, meta map[string]any) error
}

// Result is what the pipeline hands back to the chat transport.
type Result struct {
	RunID    string
	Text     string
	Attempts int
	// Fallback is set when Text was computed locally because the backend
	// could not be reached.
	Fallback bool
	// Rejected is set when the backend refused the request (4xx).
	Rejected bool
	// Matched is false when Text is the raw backend body.
	Matched bool
}

// Options configures a Pipeline.
type Options struct {
	LastN         int
	FallbackLines int
	Retry         control.RetryPolicy
	Breaker       *control.CircuitBreaker
	Journal       Journal
	Pusher        Pusher
	Logger        logrus.FieldLogger
}

// Pipeline is safe for concurrent use. Summaries of the same chat are
// serialized; different chats run in parallel.
type Pipeline struct {
	history       History
	backend       Backend
	lastN         int
	fallbackLines int
	retry         control.RetryPolicy
	breaker       *control.CircuitBreaker
	journal       Journal
	pusher        Pusher
	logger        logrus.FieldLogger
	locks         *chatLocks
	now           func() time.Time
}

func NewPipeline(h History, backend Backend, opts Options) *Pipeline {
	if opts.LastN <= 0 {
		opts.LastN = 30
	}
	if opts.FallbackLines <= 0 {
		opts.FallbackLines = 5
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = control.DefaultRetryPolicy()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = smaipl.IsTransient
	}
	if opts.Journal == nil {
		opts.Journal = db.NopJournal{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Pipeline{
		history:       h,
		backend:       backend,
		lastN:         opts.LastN,
		fallbackLines: opts.FallbackLines,
		retry:         opts.Retry,
		breaker:       opts.Breaker,
		journal:       opts.Journal,
		pusher:        opts.Pusher,
		logger:        opts.Logger,
		locks:         newChatLocks(),
		now:           time.Now,
	}
}

// Summarize summarizes the last LastN messages of the chat. It returns
// ErrNoHistory for an empty chat and a context error when ctx ends first,
// either while waiting for another summary of the same chat or during the
// backend call. Every backend failure is turned into a Result.
func (p *Pipeline) Summarize(ctx context.Context, chatID int64, meta map[string]any) (Result, error) {
	unlock, err := p.locks.acquire(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	return p.run(ctx, chatID, p.history.Entries(chatID, p.lastN), meta)
}

// SummarizeEntries summarizes the given entries instead of the chat's
// history, under the same per-chat exclusion.
func (p *Pipeline) SummarizeEntries(ctx context.Context, chatID int64, entries []history.Entry, meta map[string]any) (Result, error) {
	unlock, err := p.locks.acquire(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	return p.run(ctx, chatID, entries, meta)
}

func (p *Pipeline) run(ctx context.Context, chatID int64, entries []history.Entry, meta map[string]any) (Result, error) {
	if len(entries) == 0 {
		return Result{}, ErrNoHistory
	}

	runID := uuid.NewString()
	log := p.logger.WithFields(logrus.Fields{"run_id": runID, "chat_id": chatID})
	req := smaipl.Request{RunID: runID, ChatID: chatID, Transcript: history.Render(entries)}

	p.journal.Record(db.EventSummaryRequested, map[string]any{
		"run_id":  runID,
		"chat_id": chatID,
		"entries": len(entries),
		"chars":   len(req.Transcript),
	})

	if p.breaker != nil && !p.breaker.Allow(p.now()) {
		log.WithField("error_class", p.breaker.OpenedClass()).Warn("circuit open; serving fallback summary")
		return p.fallback(runID, chatID, entries, 0, control.ErrCircuitOpen), nil
	}

	policy := p.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":     attempt,
			"backoff_ms":  delay.Milliseconds(),
			"error_class": smaipl.Classify(err),
		}).Warn("smaipl attempt failed; retrying")
		p.journal.Record(db.EventRetryScheduled, map[string]any{
			"run_id":      runID,
			"chat_id":     chatID,
			"attempt":     attempt,
			"backoff_ms":  delay.Milliseconds(),
			"error_class": smaipl.Classify(err),
		})
	}

	var resp smaipl.Response
	attempts, err := control.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		var callErr error
		resp, callErr = p.backend.Summarize(ctx, req)
		return callErr
	})

	if err == nil {
		p.recordSuccess()
		log.WithFields(logrus.Fields{"attempts": attempts, "matched": resp.Matched}).Info("summary generated")
		p.journal.Record(db.EventSummaryCompleted, map[string]any{
			"run_id":   runID,
			"chat_id":  chatID,
			"attempts": attempts,
			"matched":  resp.Matched,
			"chars":    len(resp.Text),
		})
		p.push(ctx, log, resp.Text, chatID, runID, meta)
		return Result{RunID: runID, Text: resp.Text, Attempts: attempts, Matched: resp.Matched}, nil
	}

	if smaipl.IsRejection(err) {
		entry := log.WithError(err).WithField("attempts", attempts)
		var se *smaipl.StatusError
		if errors.As(err, &se) {
			entry = entry.WithFields(logrus.Fields{"status": se.Code, "body": se.Body})
		}
		entry.Error("smaipl rejected the request; check SMAIPL configuration")
		p.journal.Record(db.EventSummaryRejected, map[string]any{
			"run_id":  runID,
			"chat_id": chatID,
			"error":   truncateRunes(err.Error(), 1000),
		})
		return Result{RunID: runID, Text: rejectedNotice, Attempts: attempts, Rejected: true}, nil
	}

	if ctx.Err() != nil {
		// Caller cancellation is not a backend failure.
		log.WithError(err).WithField("attempts", attempts).Warn("summary abandoned")
		p.journal.Record(db.EventSummaryAbandoned, map[string]any{
			"run_id":   runID,
			"chat_id":  chatID,
			"attempts": attempts,
		})
		return Result{}, ctx.Err()
	}

	p.recordFailure(smaipl.Classify(err))
	log.WithError(err).WithField("attempts", attempts).Warn("smaipl unavailable; serving fallback summary")
	return p.fallback(runID, chatID, entries, attempts, err), nil
}

func (p *Pipeline) fallback(runID string, chatID int64, entries []history.Entry, attempts int, cause error) Result {
	p.journal.Record(db.EventSummaryFallback, map[string]any{
		"run_id":   runID,
		"chat_id":  chatID,
		"attempts": attempts,
		"error":    truncateRunes(cause.Error(), 1000),
	})
	return Result{
		RunID:    runID,
		Text:     Fallback(entries, p.fallbackLines),
		Attempts: attempts,
		Fallback: true,
	}
}

func (p *Pipeline) recordSuccess() {
	if p.breaker == nil {
		return
	}
	if prev := p.breaker.RecordSuccess(); prev != control.CircuitClosed {
		p.journal.Record(db.EventCircuitClosed, map[string]any{"recovered": true})
	}
}

func (p *Pipeline) recordFailure(errClass string) {
	if p.breaker == nil {
		return
	}
	if p.breaker.RecordFailure(errClass, p.now()) {
		p.journal.Record(db.EventCircuitOpened, map[string]any{
			"error_class":      errClass,
			"threshold":        p.breaker.Threshold,
			"cooldown_seconds": int(p.breaker.Cooldown.Seconds()),
		})
	}
}

func (p *Pipeline) push(ctx context.Context, log logrus.FieldLogger, text string, chatID int64, runID string, meta map[string]any) {
	if p.pusher == nil {
		return
	}
	payload := map[string]any{"telegram_chat_id": chatID, "run_id": runID}
	for k, v := range meta {
		payload[k] = v
	}
	if err := p.pusher.Push(ctx, text, payload); err != nil {
		log.WithError(err).Warn("summary push failed")
	}
}

func truncateRunes(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
