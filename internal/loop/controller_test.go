package loop

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hollisb/skillbridge/internal/classify"
)

func newTestController(cfg Config) *Controller {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 5
	}
	return NewController(cfg, NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func continueSignal(phase string, confidence float64) classify.Signal {
	return classify.Signal{
		Kind:       classify.KindContinue,
		NextPhase:  phase,
		Confidence: confidence,
	}
}

func TestAdmitCreatesConversation(t *testing.T) {
	c := newTestController(Config{})

	conv, ok, err := c.Admit("chat1|user1", "chat1")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if !ok {
		t.Fatal("Admit() = false, want true for first message")
	}
	if conv.Status != StatusActive {
		t.Errorf("Status = %q, want %q", conv.Status, StatusActive)
	}
	if conv.LoopDepth != 0 {
		t.Errorf("LoopDepth = %d, want 0", conv.LoopDepth)
	}
}

func TestAdmitRejectsInFlight(t *testing.T) {
	c := newTestController(Config{})

	if _, ok, _ := c.Admit("chat1|user1", "chat1"); !ok {
		t.Fatal("first Admit() = false, want true")
	}
	if _, ok, _ := c.Admit("chat1|user1", "chat1"); ok {
		t.Error("second Admit() = true, want rejection while in flight")
	}
	// A different conversation is unaffected.
	if _, ok, _ := c.Admit("chat1|user2", "chat1"); !ok {
		t.Error("Admit() for another conversation = false, want true")
	}
}

func TestAdmitAfterRelease(t *testing.T) {
	c := newTestController(Config{})

	c.Admit("chat1|user1", "chat1")
	c.Release("chat1|user1")
	if _, ok, _ := c.Admit("chat1|user1", "chat1"); !ok {
		t.Error("Admit() after Release() = false, want true")
	}
}

func TestConcurrentAdmissionExactlyOne(t *testing.T) {
	c := newTestController(Config{})

	const n = 20
	var wg sync.WaitGroup
	admitted := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := c.Admit("chat1|user1", "chat1")
			if err != nil {
				t.Errorf("Admit() error: %v", err)
			}
			admitted <- ok
		}()
	}
	wg.Wait()
	close(admitted)

	var wins int
	for ok := range admitted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d admissions succeeded, want exactly 1", wins)
	}
}

func TestCompletedSignalFinishes(t *testing.T) {
	c := newTestController(Config{})
	c.Admit("chat1|user1", "chat1")

	d, err := c.OnResult("chat1|user1", classify.Signal{Kind: classify.KindCompleted, Confidence: 1})
	if err != nil {
		t.Fatalf("OnResult() error: %v", err)
	}
	if d.Action != ActionCompleted {
		t.Errorf("Action = %q, want %q", d.Action, ActionCompleted)
	}

	// State removed; guard released; next message starts fresh.
	conv, ok, _ := c.Admit("chat1|user1", "chat1")
	if !ok {
		t.Fatal("Admit() after completion = false, want true")
	}
	if conv.LoopDepth != 0 {
		t.Errorf("LoopDepth after completion = %d, want fresh 0", conv.LoopDepth)
	}
}

func TestContinueIncrementsDepth(t *testing.T) {
	c := newTestController(Config{MaxDepth: 5})
	c.Admit("chat1|user1", "chat1")

	d, err := c.OnResult("chat1|user1", continueSignal("deploy to staging", 0.8))
	if err != nil {
		t.Fatalf("OnResult() error: %v", err)
	}
	if d.Action != ActionContinue {
		t.Fatalf("Action = %q, want %q", d.Action, ActionContinue)
	}
	if d.NextPhase != "deploy to staging" {
		t.Errorf("NextPhase = %q, want %q", d.NextPhase, "deploy to staging")
	}
	if d.LoopDepth != 1 {
		t.Errorf("LoopDepth = %d, want 1", d.LoopDepth)
	}

	// Continue keeps the guard held: a competing message is rejected.
	if _, ok, _ := c.Admit("chat1|user1", "chat1"); ok {
		t.Error("Admit() during continuation = true, want rejection")
	}
}

func TestDepthCapEscalatesOnFourthResult(t *testing.T) {
	c := newTestController(Config{MaxDepth: 3})
	c.Admit("chat1|user1", "chat1")

	for i := 1; i <= 3; i++ {
		d, err := c.OnResult("chat1|user1", continueSignal("phase text long enough", 0.8))
		if err != nil {
			t.Fatalf("OnResult() #%d error: %v", i, err)
		}
		if d.Action != ActionContinue {
			t.Fatalf("OnResult() #%d action = %q, want continue", i, d.Action)
		}
		if d.LoopDepth != i {
			t.Errorf("OnResult() #%d depth = %d, want %d", i, d.LoopDepth, i)
		}
	}

	d, err := c.OnResult("chat1|user1", continueSignal("phase text long enough", 0.8))
	if err != nil {
		t.Fatalf("OnResult() #4 error: %v", err)
	}
	if d.Action != ActionEscalated {
		t.Errorf("OnResult() #4 action = %q, want %q", d.Action, ActionEscalated)
	}
	if d.LoopDepth != 3 {
		t.Errorf("depth after cap = %d, want unchanged 3", d.LoopDepth)
	}
}

func TestLowConfidenceEscalates(t *testing.T) {
	c := newTestController(Config{LowConfidenceThreshold: 0.3})
	c.Admit("chat1|user1", "chat1")

	d, err := c.OnResult("chat1|user1", continueSignal("maybe this", 0.2))
	if err != nil {
		t.Fatalf("OnResult() error: %v", err)
	}
	if d.Action != ActionEscalated {
		t.Errorf("Action = %q, want escalation below confidence threshold", d.Action)
	}
}

func TestErrorFlagEscalatesDespiteContinue(t *testing.T) {
	c := newTestController(Config{})
	c.Admit("chat1|user1", "chat1")

	sig := continueSignal("verify the fix please", 0.9)
	sig.HasError = true
	d, err := c.OnResult("chat1|user1", sig)
	if err != nil {
		t.Fatalf("OnResult() error: %v", err)
	}
	if d.Action != ActionEscalated {
		t.Errorf("Action = %q, want escalation when error flag set", d.Action)
	}
}

func TestNeedsInputEscalates(t *testing.T) {
	c := newTestController(Config{})
	c.Admit("chat1|user1", "chat1")

	d, err := c.OnResult("chat1|user1", classify.Signal{
		Kind:       classify.KindNeedsInput,
		NeedsInput: true,
		Confidence: 1,
	})
	if err != nil {
		t.Fatalf("OnResult() error: %v", err)
	}
	if d.Action != ActionEscalated {
		t.Errorf("Action = %q, want %q", d.Action, ActionEscalated)
	}
}

func TestOnResultUnknownConversation(t *testing.T) {
	c := newTestController(Config{})
	if _, err := c.OnResult("nope", continueSignal("x", 1)); err == nil {
		t.Error("OnResult() for unknown conversation should error")
	}
}

func TestExpireIdle(t *testing.T) {
	c := newTestController(Config{IdleTimeout: time.Hour})

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.Admit("chat1|stale", "chat1")

	c.now = func() time.Time { return base.Add(90 * time.Minute) }
	c.Admit("chat1|fresh", "chat1")

	// Two hours after the stale conversation's last activity.
	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	expired, err := c.ExpireIdle()
	if err != nil {
		t.Fatalf("ExpireIdle() error: %v", err)
	}
	if len(expired) != 1 || expired[0] != "chat1|stale" {
		t.Fatalf("expired = %v, want [chat1|stale]", expired)
	}

	// The expired conversation's guard is freed even though it was
	// in flight.
	if _, ok, _ := c.Admit("chat1|stale", "chat1"); !ok {
		t.Error("Admit() after expiry = false, want true")
	}
	// The fresh one is untouched and still guarded.
	if _, ok, _ := c.Admit("chat1|fresh", "chat1"); ok {
		t.Error("fresh conversation was expired or released")
	}
}

func TestMarkSummarized(t *testing.T) {
	c := newTestController(Config{})

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.Admit("chat1|user1", "chat1")

	c.now = func() time.Time { return base.Add(10 * time.Minute) }
	if err := c.MarkSummarized("chat1|user1"); err != nil {
		t.Fatalf("MarkSummarized() error: %v", err)
	}

	convs, _ := c.Snapshot()
	if len(convs) != 1 {
		t.Fatalf("Snapshot() returned %d conversations, want 1", len(convs))
	}
	if !convs[0].LastSummaryAt.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("LastSummaryAt = %v, want %v", convs[0].LastSummaryAt, base.Add(10*time.Minute))
	}
}
