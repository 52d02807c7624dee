package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hollisb/skillbridge/internal/loop"
)

// fakeController serves canned conversations and records calls.
type fakeController struct {
	convs      []*loop.Conversation
	summarized []string
	expired    int
}

func (f *fakeController) Snapshot() ([]*loop.Conversation, error) { return f.convs, nil }

func (f *fakeController) MarkSummarized(id string) error {
	f.summarized = append(f.summarized, id)
	return nil
}

func (f *fakeController) ExpireIdle() ([]string, error) {
	f.expired++
	return nil, nil
}

// fakeSender records sends and can fail for chosen conversations.
type fakeSender struct {
	sent   []string
	failOn map[string]bool
}

func (f *fakeSender) SendProgress(_ context.Context, conversationID, chatID, summary string) error {
	if f.failOn[conversationID] {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, conversationID)
	return nil
}

func testMonitor(ctrl Controller, sender ProgressSender, interval time.Duration) *Monitor {
	return New(Config{Enabled: true, Interval: interval, Tick: time.Second},
		ctrl, sender, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestSweepEmitsDueSummaries(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	ctrl := &fakeController{convs: []*loop.Conversation{
		{ID: "due", ChatID: "chat1", StartedAt: now.Add(-time.Hour),
			LastSummaryAt: now.Add(-10 * time.Minute), Status: loop.StatusActive},
		{ID: "recent", ChatID: "chat1", StartedAt: now.Add(-time.Hour),
			LastSummaryAt: now.Add(-time.Minute), Status: loop.StatusActive},
	}}
	sender := &fakeSender{}

	m := testMonitor(ctrl, sender, 5*time.Minute)
	m.now = func() time.Time { return now }
	m.Sweep(context.Background())

	if len(sender.sent) != 1 || sender.sent[0] != "due" {
		t.Errorf("sent = %v, want [due]", sender.sent)
	}
	if len(ctrl.summarized) != 1 || ctrl.summarized[0] != "due" {
		t.Errorf("summarized = %v, want [due]", ctrl.summarized)
	}
	if ctrl.expired != 1 {
		t.Errorf("ExpireIdle called %d times, want 1", ctrl.expired)
	}
}

func TestSweepContinuesPastSendFailure(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	ctrl := &fakeController{convs: []*loop.Conversation{
		{ID: "broken", ChatID: "chat1", StartedAt: old, LastSummaryAt: old, Status: loop.StatusActive},
		{ID: "fine", ChatID: "chat1", StartedAt: old, LastSummaryAt: old, Status: loop.StatusActive},
	}}
	sender := &fakeSender{failOn: map[string]bool{"broken": true}}

	m := testMonitor(ctrl, sender, 5*time.Minute)
	m.now = func() time.Time { return now }
	m.Sweep(context.Background())

	if len(sender.sent) != 1 || sender.sent[0] != "fine" {
		t.Errorf("sent = %v, want [fine] despite earlier failure", sender.sent)
	}
	// The failed conversation keeps its stale timestamp so the next
	// sweep retries it.
	for _, id := range ctrl.summarized {
		if id == "broken" {
			t.Error("failed send must not mark the conversation summarized")
		}
	}
}

func TestSweepDisabledStillExpires(t *testing.T) {
	ctrl := &fakeController{convs: []*loop.Conversation{
		{ID: "c", ChatID: "chat1", Status: loop.StatusActive},
	}}
	sender := &fakeSender{}

	m := New(Config{Enabled: false, Interval: time.Minute, Tick: time.Second},
		ctrl, sender, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	m.Sweep(context.Background())

	if len(sender.sent) != 0 {
		t.Errorf("sent = %v, want none when progress disabled", sender.sent)
	}
	if ctrl.expired != 1 {
		t.Errorf("ExpireIdle called %d times, want 1", ctrl.expired)
	}
}

func TestProgressSummaryContents(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	conv := &loop.Conversation{
		ID:        "c",
		StartedAt: now.Add(-(time.Hour + 5*time.Minute + 3*time.Second)),
		LoopDepth: 2,
		LastPhase: "running integration tests",
	}

	got := buildProgressSummary(conv, now)
	for _, want := range []string{"1h 5m 3s", "Continuations: 2", "running integration tests"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5*time.Minute + 3*time.Second, "5m 3s"},
		{2*time.Hour + 5*time.Minute + 3*time.Second, "2h 5m 3s"},
		{0, "0s"},
		{-time.Second, "0s"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
