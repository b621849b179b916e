package dummy

import (
	"context"
	"testing"

	"github.com/stupiduntilnot/summarybot/internal/smaipl"
)

func TestNewBackend_InvalidScript(t *testing.T) {
	if _, err := NewBackend("boom"); err == nil {
		t.Fatal("expected parse error for invalid script")
	}
	if _, err := NewBackend("err:meteor"); err == nil {
		t.Fatal("expected parse error for unknown error class")
	}
}

func TestBackend_ScriptedResponses(t *testing.T) {
	b, err := NewBackend("err:5xx,err:4xx,err:timeout,err:transport,msg:hello")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	req := smaipl.Request{ChatID: 1, Transcript: "user: hi"}

	_, err = b.Summarize(ctx, req)
	if !smaipl.IsTransient(err) {
		t.Fatalf("expected transient 5xx, got %v", err)
	}
	_, err = b.Summarize(ctx, req)
	if !smaipl.IsRejection(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	_, err = b.Summarize(ctx, req)
	if !smaipl.IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	_, err = b.Summarize(ctx, req)
	if !smaipl.IsTransient(err) {
		t.Fatalf("expected transient transport error, got %v", err)
	}
	resp, err := b.Summarize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello" {
		t.Fatalf("expected hello, got %q", resp.Text)
	}

	// The last action repeats.
	resp, err = b.Summarize(ctx, req)
	if err != nil || resp.Text != "hello" {
		t.Fatalf("expected repeated hello, got %q err=%v", resp.Text, err)
	}
	if b.Calls() != 6 {
		t.Fatalf("expected 6 calls, got %d", b.Calls())
	}
	if got := b.Requests()[0].Transcript; got != "user: hi" {
		t.Fatalf("unexpected recorded transcript %q", got)
	}
}

func TestBackend_MsgB64Action(t *testing.T) {
	b, err := NewBackend("msgb64:aGVsbG8=") // "hello"
	if err != nil {
		t.Fatal(err)
	}
	resp, err := b.Summarize(context.Background(), smaipl.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello" {
		t.Fatalf("expected hello, got %q", resp.Text)
	}
}

func TestBackend_SleepHonorsContext(t *testing.T) {
	b, err := NewBackend("sleep:60000")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Summarize(ctx, smaipl.Request{}); err == nil {
		t.Fatal("expected context error")
	}
}
