package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hollisb/skillbridge/internal/classify"
	"github.com/hollisb/skillbridge/internal/executor"
	"github.com/hollisb/skillbridge/internal/loop"
)

// fakeRunner returns scripted stdout per invocation, in order.
type fakeRunner struct {
	mu      sync.Mutex
	outputs []string
	inputs  []string
	block   chan struct{} // when non-nil, Run blocks until closed
}

func (f *fakeRunner) RunWithRetry(ctx context.Context, req executor.Request, maxAttempts int) (*executor.Result, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, req.InputText)
	var stdout string
	if len(f.outputs) > 0 {
		stdout = f.outputs[0]
		f.outputs = f.outputs[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &executor.Result{
		Success:        true,
		Stdout:         stdout,
		Duration:       time.Millisecond,
		ConversationID: req.ConversationID,
	}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// fakeSender records everything delivered.
type fakeSender struct {
	mu      sync.Mutex
	results []classify.Signal
	errors  []string
}

func (f *fakeSender) SendResult(_ context.Context, _, _ string, _ *executor.Result, sig classify.Signal, _ []classify.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, sig)
	return nil
}

func (f *fakeSender) SendError(_ context.Context, _, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
	return nil
}

func newTestBridge(runner Runner, sender Sender, maxDepth int) *Bridge {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	controller := loop.NewController(
		loop.Config{MaxDepth: maxDepth, LowConfidenceThreshold: 0.3},
		loop.NewMemoryStore(), logger, nil)
	return New(Config{
		Runner:     runner,
		Classifier: classify.New(classify.Options{FallbackExtraction: false}),
		Controller: controller,
		Sender:     sender,
		Logger:     logger,
	})
}

func TestHandleMessageCompletes(t *testing.T) {
	runner := &fakeRunner{outputs: []string{"all work done, task complete"}}
	sender := &fakeSender{}
	b := newTestBridge(runner, sender, 5)

	b.HandleMessage(context.Background(), InboundMessage{
		ChatID: "chat1", SenderID: "user1", Text: "build it", MessageID: "m1",
	})

	if got := runner.callCount(); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}
	if len(sender.results) != 1 || sender.results[0].Kind != classify.KindCompleted {
		t.Errorf("results = %+v, want one Completed signal", sender.results)
	}
}

func TestHandleMessageLoopsUntilCompleted(t *testing.T) {
	runner := &fakeRunner{outputs: []string{
		"phase one ok\nNEXT_PHASE: run the second phase",
		"phase two ok\nNEXT_PHASE: run the third phase",
		"everything finished",
	}}
	sender := &fakeSender{}
	b := newTestBridge(runner, sender, 5)

	b.HandleMessage(context.Background(), InboundMessage{
		ChatID: "chat1", SenderID: "user1", Text: "start the pipeline",
	})

	if got := runner.callCount(); got != 3 {
		t.Fatalf("runner called %d times, want 3", got)
	}
	// Continuation text feeds the next invocation.
	if runner.inputs[1] != "run the second phase" {
		t.Errorf("second input = %q, want extracted phase", runner.inputs[1])
	}
	if runner.inputs[2] != "run the third phase" {
		t.Errorf("third input = %q, want extracted phase", runner.inputs[2])
	}
	if last := sender.results[len(sender.results)-1]; last.Kind != classify.KindCompleted {
		t.Errorf("last signal = %q, want completed", last.Kind)
	}
}

func TestHandleMessageDepthCapEscalates(t *testing.T) {
	// Endless continuations: the bridge must stop at the configured cap
	// and tell the user.
	outputs := make([]string, 10)
	for i := range outputs {
		outputs[i] = "NEXT_PHASE: keep working on the build"
	}
	runner := &fakeRunner{outputs: outputs}
	sender := &fakeSender{}
	b := newTestBridge(runner, sender, 3)

	b.HandleMessage(context.Background(), InboundMessage{
		ChatID: "chat1", SenderID: "user1", Text: "go",
	})

	// Initial + 3 accepted continuations = 4 invocations; the 4th
	// result hits the cap.
	if got := runner.callCount(); got != 4 {
		t.Errorf("runner called %d times, want 4", got)
	}
	if len(sender.errors) == 0 {
		t.Fatal("no escalation notice sent")
	}
}

func TestSecondMessageRejectedWhileExecuting(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{outputs: []string{"task complete", "task complete"}, block: block}
	sender := &fakeSender{}
	b := newTestBridge(runner, sender, 5)

	msg := InboundMessage{ChatID: "chat1", SenderID: "user1", Text: "first"}

	done := make(chan struct{})
	go func() {
		b.HandleMessage(context.Background(), msg)
		close(done)
	}()

	// Wait until the first execution is in flight.
	deadline := time.After(2 * time.Second)
	for runner.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first execution never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The second message must bounce off the admission guard without
	// ever spawning a subprocess.
	b.HandleMessage(context.Background(), InboundMessage{
		ChatID: "chat1", SenderID: "user1", Text: "second",
	})
	if got := runner.callCount(); got != 1 {
		t.Errorf("runner called %d times, want 1 (second message rejected)", got)
	}
	sender.mu.Lock()
	rejections := len(sender.errors)
	sender.mu.Unlock()
	if rejections != 1 {
		t.Errorf("rejection notices = %d, want 1", rejections)
	}

	close(block)
	<-done
}

func TestLaunchFailureNotifiesAndReleases(t *testing.T) {
	runner := &failingRunner{}
	sender := &fakeSender{}
	b := newTestBridge(runner, sender, 5)

	msg := InboundMessage{ChatID: "chat1", SenderID: "user1", Text: "go"}
	b.HandleMessage(context.Background(), msg)

	if len(sender.errors) != 1 {
		t.Fatalf("errors = %v, want one launch notice", sender.errors)
	}

	// Guard released: the user can try again.
	b.HandleMessage(context.Background(), msg)
	if len(sender.errors) != 2 {
		t.Errorf("second attempt was not admitted after launch failure")
	}
}

type failingRunner struct{}

func (f *failingRunner) RunWithRetry(ctx context.Context, req executor.Request, maxAttempts int) (*executor.Result, error) {
	return nil, &executor.LaunchError{Path: "/missing", Err: context.Canceled}
}

func TestConversationKey(t *testing.T) {
	if got := ConversationKey("chat9", "user3"); got != "chat9|user3" {
		t.Errorf("ConversationKey = %q, want %q", got, "chat9|user3")
	}
}
