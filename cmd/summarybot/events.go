package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/summarybot/internal/db"
)

func newEventsCmd() *cobra.Command {
	var (
		dbPath    string
		eventID   int64
		mode      string
		maxDepth  int
		jsonOut   bool
		noPayload bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event journal of the latest run as a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := sql.Open("sqlite3", dbPath+"?mode=ro&_journal_mode=WAL")
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()
			if err := database.Ping(); err != nil {
				return fmt.Errorf("open db %s: %w", dbPath, err)
			}

			rootID := eventID
			if rootID == 0 {
				if rootID, err = db.LatestRoot(database, mode); err != nil {
					return err
				}
			}
			events, err := db.Subtree(database, rootID)
			if err != nil {
				return fmt.Errorf("query subtree: %w", err)
			}
			root := db.BuildTree(events, rootID)
			if root == nil {
				return fmt.Errorf("event %d not found", rootID)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload))
			}
			printTree(out, root, "", true, 1, maxDepth, noPayload)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOrDefault("EVENTS_DB_PATH", "state/summarybot.db"), "SQLite journal path")
	cmd.Flags().Int64Var(&eventID, "id", 0, "show the subtree of a specific event id")
	cmd.Flags().StringVar(&mode, "mode", "", "pick the latest run of this mode (poll or webhook)")
	cmd.Flags().IntVarP(&maxDepth, "level", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().BoolVar(&noPayload, "no-payload", false, "hide payload details")
	return cmd
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printTree renders the event tree using box-drawing characters.
func printTree(w io.Writer, ev *db.Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(w, line)
	} else {
		fmt.Fprintln(w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(w, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		printTree(w, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent renders "[id] timestamp  event_type  key=value ...".
func formatEvent(ev *db.Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return line
	}
	m := decodePayload(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

func decodePayload(ev *db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(ev *db.Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload {
		je.Payload = decodePayload(ev)
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}
