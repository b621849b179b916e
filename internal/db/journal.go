package db

import (
	"database/sql"
	"sync"

	"github.com/sirupsen/logrus"
)

// Journal records events under a process root event. Events that carry a
// run_id are nested under that run's summary.requested event. Failures are
// logged, never returned.
type Journal struct {
	db     *sql.DB
	rootID *int64
	logger logrus.FieldLogger

	mu   sync.Mutex
	runs map[string]int64
}

// NewJournal logs a process.started event and returns a Journal whose
// events are children of it.
func NewJournal(db *sql.DB, logger logrus.FieldLogger, startPayload map[string]any) *Journal {
	j := &Journal{db: db, logger: logger, runs: map[string]int64{}}
	id, err := LogEvent(db, nil, EventProcessStarted, startPayload)
	if err != nil {
		logger.WithError(err).Warn("failed to log process.started")
		return j
	}
	j.rootID = &id
	return j
}

// RootID returns the id of the process.started event, or 0.
func (j *Journal) RootID() int64 {
	if j == nil || j.rootID == nil {
		return 0
	}
	return *j.rootID
}

// Record logs an event. It is safe for concurrent use.
func (j *Journal) Record(eventType string, payload map[string]any) {
	if j == nil || j.db == nil {
		return
	}
	runID, _ := payload["run_id"].(string)
	parent := j.parentFor(eventType, runID)

	id, err := LogEvent(j.db, parent, eventType, payload)
	if err != nil {
		j.logger.WithError(err).WithField("event_type", eventType).Warn("failed to log event")
		return
	}

	if runID == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch eventType {
	case EventSummaryRequested:
		j.runs[runID] = id
	case EventSummaryCompleted, EventSummaryFallback, EventSummaryRejected, EventSummaryAbandoned:
		delete(j.runs, runID)
	}
}

func (j *Journal) parentFor(eventType, runID string) *int64 {
	if runID != "" && eventType != EventSummaryRequested {
		j.mu.Lock()
		id, ok := j.runs[runID]
		j.mu.Unlock()
		if ok {
			return &id
		}
	}
	return j.rootID
}

// NopJournal discards events. Used when EVENTS_DB_PATH is empty.
type NopJournal struct{}

func (NopJournal) Record(string, map[string]any) {}
