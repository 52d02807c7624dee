// Package bridge receives normalized chat events from the transport,
// drives the execute-classify-decide loop for each one, and hands
// results to the sender collaborator. It owns no conversation state;
// the loop controller does.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollisb/skillbridge/internal/classify"
	"github.com/hollisb/skillbridge/internal/events"
	"github.com/hollisb/skillbridge/internal/executor"
	"github.com/hollisb/skillbridge/internal/loop"
)

// InboundMessage is the normalized event delivered by the transport.
// The bridge only needs the text and a stable conversation key derived
// from (chat id, sender id).
type InboundMessage struct {
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// ConversationKey derives the stable conversation identifier for a
// message.
func ConversationKey(chatID, senderID string) string {
	return chatID + "|" + senderID
}

// Runner abstracts the executor for testability. The real
// implementation is *executor.Runner.
type Runner interface {
	RunWithRetry(ctx context.Context, req executor.Request, maxAttempts int) (*executor.Result, error)
}

// Sender delivers outcomes back to the chat transport. Delivery
// failures are the transport's concern; the bridge only logs them.
type Sender interface {
	SendResult(ctx context.Context, conversationID, chatID string, res *executor.Result, sig classify.Signal, attachments []classify.Attachment) error
	SendError(ctx context.Context, conversationID, chatID, message string) error
}

// handleTimeout bounds how long one inbound message may be processed,
// including every automatic continuation it triggers.
const handleTimeout = 30 * time.Minute

// Config holds the dependencies for a Bridge.
type Config struct {
	Runner      Runner
	Classifier  *classify.Classifier
	Controller  *loop.Controller
	Sender      Sender
	Logger      *slog.Logger
	Bus         *events.Bus
	MaxAttempts int
}

// Bridge wires one inbound message through admission, execution,
// classification, and the continuation loop.
type Bridge struct {
	runner      Runner
	classifier  *classify.Classifier
	controller  *loop.Controller
	sender      Sender
	logger      *slog.Logger
	bus         *events.Bus
	maxAttempts int
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Bridge{
		runner:      cfg.Runner,
		classifier:  cfg.Classifier,
		controller:  cfg.Controller,
		sender:      cfg.Sender,
		logger:      logger,
		bus:         cfg.Bus,
		maxAttempts: cfg.MaxAttempts,
	}
}

// SetSender wires the outbound transport after construction. The
// transport needs the bridge as its dispatcher, so one side is bound
// late. Must be called before the transport starts delivering
// messages.
func (b *Bridge) SetSender(s Sender) { b.sender = s }

// Dispatch processes a message on its own goroutine so one slow
// conversation never blocks the transport. The per-conversation guard
// in the controller keeps concurrent messages for the same conversation
// from racing.
func (b *Bridge) Dispatch(ctx context.Context, msg InboundMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, handleTimeout)
		defer cancel()
		b.HandleMessage(ctx, msg)
	}()
}

// HandleMessage runs the full loop for one inbound message: admit,
// execute, classify, decide, and repeat while the controller says to
// continue. It returns when the conversation reaches a terminal
// decision or an error path releases the guard.
func (b *Bridge) HandleMessage(ctx context.Context, msg InboundMessage) {
	if msg.Text == "" {
		b.logger.Debug("ignoring empty message", "chat_id", msg.ChatID)
		return
	}

	convID := ConversationKey(msg.ChatID, msg.SenderID)

	conv, ok, err := b.controller.Admit(convID, msg.ChatID)
	if err != nil {
		b.logger.Error("admission failed", "conversation_id", convID, "error", err)
		b.sendError(ctx, convID, msg.ChatID, "internal error, please try again")
		return
	}
	if !ok {
		// In-flight execution: the message is dropped, not queued. The
		// controller already logged and published the rejection; the
		// user still gets told why nothing happened.
		b.sendError(ctx, convID, msg.ChatID,
			"still working on your previous message, this one was not queued")
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"conversation_id": convID,
			"chat_id":         msg.ChatID,
			"message_len":     len(msg.Text),
		},
	})
	b.logger.Info("message admitted",
		"conversation_id", convID,
		"message_id", msg.MessageID,
		"loop_depth", conv.LoopDepth,
	)

	input := msg.Text
	for {
		decision, done := b.step(ctx, convID, msg.ChatID, input)
		if done {
			return
		}
		input = decision.NextPhase
	}
}

// step performs one invocation and applies its classification. done is
// true when the conversation reached a terminal state or an error path
// already cleaned up.
func (b *Bridge) step(ctx context.Context, convID, chatID, input string) (loop.Decision, bool) {
	req := executor.NewRequest(convID, input)

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExecutor,
		Kind:      events.KindExecStart,
		Data:      map[string]any{"conversation_id": convID, "request_id": req.ID},
	})

	result, err := b.runner.RunWithRetry(ctx, req, b.maxAttempts)
	if err != nil {
		// Launch failure: the one fatal executor error. Free the guard
		// and tell the user; there is no output to classify.
		b.logger.Error("skill launch failed",
			"conversation_id", convID,
			"error", err,
		)
		b.controller.Release(convID)
		b.sendError(ctx, convID, chatID, "could not start the skill tool: "+err.Error())
		return loop.Decision{}, true
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExecutor,
		Kind:      events.KindExecDone,
		Data: map[string]any{
			"conversation_id": convID,
			"request_id":      req.ID,
			"success":         result.Success,
			"exit_code":       result.ExitCode,
			"duration_ms":     result.Duration.Milliseconds(),
		},
	})

	sig := b.classifier.Classify(input, result.Stdout)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindClassified,
		Data: map[string]any{
			"conversation_id": convID,
			"kind":            string(sig.Kind),
			"confidence":      sig.Confidence,
			"has_error":       sig.HasError,
			"needs_input":     sig.NeedsInput,
		},
	})

	decision, err := b.controller.OnResult(convID, sig)
	if err != nil {
		b.logger.Error("loop decision failed", "conversation_id", convID, "error", err)
		b.controller.Release(convID)
		return loop.Decision{}, true
	}

	attachments := classify.ExtractAttachments(result.Stdout)
	if err := b.sender.SendResult(ctx, convID, chatID, result, sig, attachments); err != nil {
		b.logger.Warn("result send failed",
			"conversation_id", convID,
			"error", err,
		)
	}

	switch decision.Action {
	case loop.ActionContinue:
		b.logger.Info("continuing automatically",
			"conversation_id", convID,
			"loop_depth", decision.LoopDepth,
			"next_phase", decision.NextPhase,
		)
		return decision, false
	case loop.ActionEscalated:
		b.sendError(ctx, convID, chatID, "needs your attention: "+decision.Reason)
		return decision, true
	default:
		return decision, true
	}
}

// sendError notifies the user, logging delivery failures.
func (b *Bridge) sendError(ctx context.Context, convID, chatID, message string) {
	if err := b.sender.SendError(ctx, convID, chatID, message); err != nil {
		b.logger.Warn("error notice send failed",
			"conversation_id", convID,
			"error", err,
		)
	}
}
