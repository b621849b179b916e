package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Event is a row of the events table with its children attached.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// LatestRoot returns the id of the most recent process.started event,
// optionally restricted to one mode ("poll" or "webhook").
func LatestRoot(db *sql.DB, mode string) (int64, error) {
	var id int64
	var err error
	if mode == "" {
		err = db.QueryRow(
			`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
			EventProcessStarted,
		).Scan(&id)
	} else {
		err = db.QueryRow(
			`SELECT id FROM events WHERE event_type = ?
			 AND json_extract(payload, '$.mode') = ?
			 ORDER BY id DESC LIMIT 1`,
			EventProcessStarted, mode,
		).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no %s event found", EventProcessStarted)
	}
	return id, err
}

// Subtree loads the events under rootID, root included, ordered by id.
func Subtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BuildTree links a flat event list and returns the node for rootID, or nil.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}
