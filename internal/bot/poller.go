package bot

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	cmdpkg "github.com/stupiduntilnot/summarybot/internal/commander"
	"github.com/stupiduntilnot/summarybot/internal/control"
	"github.com/stupiduntilnot/summarybot/internal/db"
)

const sourceErrorClass = "command_source_api"

// Source is the pull side of commander.Commander.
type Source interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error)
}

// Handler consumes updates.
type Handler interface {
	Handle(ctx context.Context, update cmdpkg.Update)
}

type PollerOptions struct {
	// Timeout is the long-poll timeout in seconds.
	Timeout     int
	Sleep       time.Duration
	DropPending bool
	Breaker     *control.CircuitBreaker
	Journal     Journal
	Logger      logrus.FieldLogger
}

// Poller long-polls a Source and feeds every message to a Handler.
type Poller struct {
	source      Source
	handler     Handler
	timeout     int
	sleep       time.Duration
	dropPending bool
	breaker     *control.CircuitBreaker
	journal     Journal
	logger      logrus.FieldLogger
	offset      int64
}

func NewPoller(source Source, handler Handler, opts PollerOptions) *Poller {
	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	if opts.Sleep <= 0 {
		opts.Sleep = time.Second
	}
	if opts.Breaker == nil {
		opts.Breaker = control.NewCircuitBreaker(5, 30*time.Second)
	}
	if opts.Journal == nil {
		opts.Journal = db.NopJournal{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Poller{
		source:      source,
		handler:     handler,
		timeout:     opts.Timeout,
		sleep:       opts.Sleep,
		dropPending: opts.DropPending,
		breaker:     opts.Breaker,
		journal:     opts.Journal,
		logger:      opts.Logger,
	}
}

// Offset returns the next update id the poller will ask for.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Run polls until ctx is cancelled. Transport errors are logged and retried
// after a pause; repeated failures open the circuit breaker.
func (p *Poller) Run(ctx context.Context) error {
	if p.dropPending && p.offset == 0 {
		offset, err := bootstrapOffset(ctx, p.source)
		if err != nil {
			p.logger.WithError(err).Warn("bootstrap offset failed; pending updates will be processed")
		} else {
			p.offset = offset
		}
	}
	p.logger.WithFields(logrus.Fields{"offset": p.offset, "timeout": p.timeout}).Info("polling for updates")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !p.breaker.Allow(time.Now()) {
			if !sleepCtx(ctx, p.sleep) {
				return nil
			}
			continue
		}

		updates, err := p.source.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.WithError(err).Warn("getUpdates failed")
			if p.breaker.RecordFailure(sourceErrorClass, time.Now()) {
				p.journal.Record(db.EventCircuitOpened, map[string]any{
					"error_class":      sourceErrorClass,
					"threshold":        p.breaker.Threshold,
					"cooldown_seconds": int(p.breaker.Cooldown.Seconds()),
				})
			}
			if !sleepCtx(ctx, p.sleep) {
				return nil
			}
			continue
		}
		if prev := p.breaker.RecordSuccess(); prev != control.CircuitClosed {
			p.journal.Record(db.EventCircuitClosed, map[string]any{"recovered": true, "error_class": sourceErrorClass})
		}

		for _, update := range updates {
			if update.UpdateID >= p.offset {
				p.offset = update.UpdateID + 1
			}
			if update.Message == nil {
				continue
			}
			p.handler.Handle(ctx, update)
		}
	}
}

// bootstrapOffset skips everything queued while the bot was offline.
func bootstrapOffset(ctx context.Context, source Source) (int64, error) {
	updates, err := source.GetUpdates(ctx, -1, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	return updates[len(updates)-1].UpdateID + 1, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
