// Package dummy provides a scripted summarization backend for local runs
// and tests.
package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/summarybot/internal/smaipl"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		if strings.HasPrefix(token, "err:") {
			class := strings.TrimPrefix(token, "err:")
			switch class {
			case "timeout", "transport", "5xx", "4xx":
			default:
				return nil, fmt.Errorf("invalid dummy error class: %s", class)
			}
			actions = append(actions, action{kind: "err", arg: class})
			continue
		}
		if strings.HasPrefix(token, "sleep:") {
			actions = append(actions, action{kind: "sleep", arg: strings.TrimPrefix(token, "sleep:")})
			continue
		}
		if strings.HasPrefix(token, "msg:") {
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
			continue
		}
		if strings.HasPrefix(token, "msgb64:") {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, "msgb64:"))
			if err != nil {
				return nil, fmt.Errorf("dummy msgb64 decode failed: %w", err)
			}
			actions = append(actions, action{kind: "msg", arg: string(raw)})
			continue
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

// next returns the next action; the last action repeats once the script is
// exhausted.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Backend answers summarization requests according to a script such as
// "err:5xx,err:timeout,msg:done".
type Backend struct {
	mu       sync.Mutex
	script   *scriptRunner
	calls    int
	requests []smaipl.Request
}

func NewBackend(script string) (*Backend, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &Backend{script: &scriptRunner{actions: actions}}, nil
}

// Summarize implements the summarization backend contract.
func (b *Backend) Summarize(ctx context.Context, req smaipl.Request) (smaipl.Response, error) {
	b.mu.Lock()
	b.calls++
	b.requests = append(b.requests, req)
	a := b.script.next()
	b.mu.Unlock()

	switch a.kind {
	case "err":
		return smaipl.Response{}, scriptedError(a.arg)
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		if ms > 0 {
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return smaipl.Response{}, fmt.Errorf("dummy backend: %w", ctx.Err())
			case <-timer.C:
			}
		}
		return smaipl.Response{Text: "dummy-after-sleep", Matched: true, Status: 200}, nil
	case "msg":
		return smaipl.Response{Text: a.arg, Matched: true, Status: 200}, nil
	default:
		return smaipl.Response{Text: "dummy-ok", Matched: true, Status: 200}, nil
	}
}

// Calls returns how many requests were received.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Requests returns a copy of the received requests.
func (b *Backend) Requests() []smaipl.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]smaipl.Request, len(b.requests))
	copy(out, b.requests)
	return out
}

func scriptedError(class string) error {
	switch class {
	case "timeout":
		return fmt.Errorf("dummy backend: %w", context.DeadlineExceeded)
	case "transport":
		return &url.Error{Op: "Post", URL: "dummy://smaipl", Err: errors.New("connection refused")}
	case "4xx":
		return &smaipl.StatusError{Code: 400, Body: `{"error":"dummy rejection"}`}
	default:
		return &smaipl.StatusError{Code: 502, Body: "dummy upstream failure"}
	}
}
