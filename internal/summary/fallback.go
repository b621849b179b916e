package summary

import (
	"strings"

	"github.com/stupiduntilnot/summarybot/internal/history"
)

const (
	fallbackHeader  = "⚠️ Сервис суммаризации сейчас недоступен. Последние сообщения:"
	fallbackLineMax = 300
	rejectedNotice  = "⚠️ Не удалось получить summary: сервис отклонил запрос. Администратор уже видит ошибку в логах."
	// NoHistoryNotice is the reply for a chat with nothing recorded yet.
	NoHistoryNotice = "Пока нечего суммировать: в этом чате ещё нет сообщений."
)

// Fallback renders the last n entries as bullets. It never returns "" for a
// non-empty input.
func Fallback(entries []history.Entry, n int) string {
	if len(entries) == 0 {
		return ""
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	var b strings.Builder
	b.WriteString(fallbackHeader)
	for _, e := range entries {
		b.WriteString("\n• ")
		b.WriteString(e.Author)
		b.WriteString(": ")
		b.WriteString(clip(e.Text, fallbackLineMax))
	}
	return b.String()
}

func clip(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}
