package summary

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Delivery modes for texts longer than one chat message.
const (
	DeliverySplit    = "split"
	DeliveryTruncate = "truncate"
)

// TruncatedMarker is appended when text had to be cut.
const TruncatedMarker = "\n…(truncated)"

// Fit prepares text for a transport whose messages hold at most limit
// UTF-16 code units. In split mode the text is cut on line boundaries into
// at most maxParts messages; in truncate mode a single message is returned.
// Either way a visible marker is added when something is dropped.
func Fit(text string, limit int, mode string, maxParts int) []string {
	if limit <= 0 || textLen(text) <= limit {
		return []string{text}
	}
	if mode != DeliverySplit {
		return []string{truncate(text, limit)}
	}
	if maxParts <= 0 {
		maxParts = 1
	}

	parts := split(text, limit)
	if len(parts) == 0 {
		return []string{truncate(text, limit)}
	}
	if len(parts) <= maxParts {
		return parts
	}
	kept := parts[:maxParts]
	last := kept[maxParts-1]
	if textLen(last)+textLen(TruncatedMarker) <= limit {
		kept[maxParts-1] = last + TruncatedMarker
	} else {
		kept[maxParts-1] = truncate(last, limit)
	}
	return kept
}

func split(text string, limit int) []string {
	var parts []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := textLen(line)
		if curLen+n <= limit {
			cur.WriteString(line)
			curLen += n
			continue
		}
		flush()
		for n > limit {
			head := prefix(line, limit)
			if head == "" {
				_, size := utf8.DecodeRuneInString(line)
				head = line[:size]
			}
			parts = append(parts, head)
			line = line[len(head):]
			n = textLen(line)
		}
		cur.WriteString(line)
		curLen = n
	}
	flush()
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimRight(p, "\n"); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// truncate cuts text so that text plus TruncatedMarker fits in limit.
func truncate(text string, limit int) string {
	room := limit - textLen(TruncatedMarker)
	if room <= 0 {
		return prefix(text, limit)
	}
	return prefix(text, room) + TruncatedMarker
}

// prefix returns the longest prefix of s that fits in limit UTF-16 units,
// never splitting a rune.
func prefix(s string, limit int) string {
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		if n+w > limit {
			return s[:i]
		}
		n += w
	}
	return s
}

// textLen counts UTF-16 code units, the unit Telegram measures messages in.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		n += w
	}
	return n
}
