// Package history keeps a bounded, in-memory transcript per chat.
package history

import (
	"strings"
	"sync"
	"time"
)

// Entry is a single recorded utterance.
type Entry struct {
	Author string
	Text   string
	At     time.Time
}

// Line renders the entry the way it appears in a transcript.
func (e Entry) Line() string {
	return e.Author + ": " + e.Text
}

// Store holds the most recent messages of every chat. Each chat keeps at
// most limit entries; older entries are evicted first.
type Store struct {
	mu            sync.Mutex
	limit         int
	commandPrefix string
	defaultAuthor string
	now           func() time.Time
	chats         map[int64][]Entry
}

// NewStore creates a Store. Messages starting with commandPrefix are never
// recorded.
func NewStore(limit int, commandPrefix, defaultAuthor string) *Store {
	if limit <= 0 {
		limit = 1
	}
	if strings.TrimSpace(defaultAuthor) == "" {
		defaultAuthor = "user"
	}
	return &Store{
		limit:         limit,
		commandPrefix: commandPrefix,
		defaultAuthor: defaultAuthor,
		now:           time.Now,
		chats:         make(map[int64][]Entry),
	}
}

// Limit returns the per-chat cap.
func (s *Store) Limit() int {
	return s.limit
}

// Record appends text to the chat's history as given. Blank text and
// commands are skipped; the return value reports whether anything was stored.
func (s *Store) Record(chatID int64, author, text string) bool {
	if strings.TrimSpace(text) == "" || IsCommand(text, s.commandPrefix) {
		return false
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = s.defaultAuthor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.chats[chatID], Entry{Author: author, Text: text, At: s.now()})
	if len(entries) > s.limit {
		entries = append([]Entry(nil), entries[len(entries)-s.limit:]...)
	}
	s.chats[chatID] = entries
	return true
}

// Entries returns a copy of the most recent lastN entries in chronological
// order. lastN <= 0 returns everything.
func (s *Store) Entries(chatID int64, lastN int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.chats[chatID]
	if lastN > 0 && len(src) > lastN {
		src = src[len(src)-lastN:]
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Snapshot renders the most recent lastN entries as "author: text" lines.
// It returns "" when the chat has no history.
func (s *Store) Snapshot(chatID int64, lastN int) string {
	return Render(s.Entries(chatID, lastN))
}

// Clear drops the chat's history. Clearing an empty chat is a no-op.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}

// Len returns the number of entries held for the chat.
func (s *Store) Len(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats[chatID])
}

// Render joins entries into a newline-separated transcript.
func Render(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line()
	}
	return strings.Join(lines, "\n")
}

// IsCommand reports whether text is a bot command for the given prefix.
func IsCommand(text, prefix string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(text), prefix)
}
