package loop

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollisb/skillbridge/internal/classify"
	"github.com/hollisb/skillbridge/internal/events"
)

// Config tunes continuation and escalation policy.
type Config struct {
	// MaxDepth is the maximum number of automatic continuations. A
	// Continue signal arriving at the cap escalates instead.
	MaxDepth int
	// LowConfidenceThreshold escalates Continue signals below it.
	LowConfidenceThreshold float64
	// IdleTimeout force-removes conversations with no activity for
	// this long, regardless of state.
	IdleTimeout time.Duration
}

// Controller is the per-conversation state machine. It owns the
// in-flight admission guard and is the only writer of conversation
// state. All public methods are safe for concurrent use; the admission
// check-and-set holds the mutex so no second execution can slip in
// between check and set.
type Controller struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	bus    *events.Bus

	// now is swappable for expiry tests.
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewController creates a Controller on the given store.
func NewController(cfg Config, store Store, logger *slog.Logger, bus *events.Bus) *Controller {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.LowConfidenceThreshold == 0 {
		cfg.LowConfidenceThreshold = 0.3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		bus:      bus,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Admit registers an execution for the conversation, creating state on
// first contact. Returns false when an execution is already in flight
// for the same conversation — the message is dropped, not queued. The
// check and the set happen under one lock acquisition.
func (c *Controller) Admit(conversationID, chatID string) (*Conversation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[conversationID]; busy {
		c.logger.Info("admission rejected, execution in flight",
			"conversation_id", conversationID,
		)
		c.bus.Publish(events.Event{
			Timestamp: c.now(),
			Source:    events.SourceBridge,
			Kind:      events.KindMessageRejected,
			Data:      map[string]any{"conversation_id": conversationID},
		})
		return nil, false, nil
	}

	conv, err := c.store.Get(conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("load conversation: %w", err)
	}

	now := c.now()
	if conv == nil {
		conv = &Conversation{
			ID:            conversationID,
			ChatID:        chatID,
			StartedAt:     now,
			LastSummaryAt: now,
			Status:        StatusActive,
		}
	}
	conv.LastActivity = now

	if err := c.store.Put(conv); err != nil {
		return nil, false, fmt.Errorf("save conversation: %w", err)
	}

	c.inflight[conversationID] = struct{}{}
	return conv.clone(), true, nil
}

// Release frees the in-flight guard without a state transition. The
// bridge calls this on abnormal paths (launch failure, send failure)
// so the conversation is not wedged.
func (c *Controller) Release(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, conversationID)
}

// OnResult applies one classification to the conversation and decides
// whether to continue, finish, or escalate. Terminal decisions remove
// the stored state and release the in-flight guard; a Continue decision
// keeps the guard held so the caller can re-invoke without a competing
// admission.
func (c *Controller) OnResult(conversationID string, sig classify.Signal) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, err := c.store.Get(conversationID)
	if err != nil {
		return Decision{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return Decision{}, fmt.Errorf("no state for conversation %s", conversationID)
	}

	conv.LastActivity = c.now()

	if sig.Kind == classify.KindCompleted {
		return c.finish(conv, Decision{Action: ActionCompleted, LoopDepth: conv.LoopDepth})
	}

	// Intervention checks come before the continuation decision: an
	// error or input request in the output means a human looks at it
	// even when a plausible next phase was extracted.
	if reason := c.interventionReason(sig); reason != "" {
		return c.escalate(conv, reason)
	}

	if sig.Kind == classify.KindContinue {
		if conv.LoopDepth >= c.cfg.MaxDepth {
			return c.escalate(conv, fmt.Sprintf("loop depth limit reached (%d)", c.cfg.MaxDepth))
		}
		conv.LoopDepth++
		conv.LastPhase = sig.NextPhase
		if err := c.store.Put(conv); err != nil {
			return Decision{}, fmt.Errorf("save conversation: %w", err)
		}
		c.bus.Publish(events.Event{
			Timestamp: c.now(),
			Source:    events.SourceBridge,
			Kind:      events.KindContinued,
			Data: map[string]any{
				"conversation_id": conv.ID,
				"loop_depth":      conv.LoopDepth,
				"next_phase":      sig.NextPhase,
			},
		})
		return Decision{
			Action:    ActionContinue,
			NextPhase: sig.NextPhase,
			LoopDepth: conv.LoopDepth,
		}, nil
	}

	// Errored and NeedsInput always carry their side flags, so the
	// intervention checks above already covered them. Anything left
	// gets a human.
	return c.escalate(conv, "unclassifiable output")
}

// interventionReason returns a human-readable reason when the signal
// forces escalation independent of loop depth, or "".
func (c *Controller) interventionReason(sig classify.Signal) string {
	switch {
	case sig.HasError:
		return "tool output reported an error"
	case sig.NeedsInput:
		return "tool is waiting for input"
	case sig.Kind == classify.KindContinue && sig.Confidence < c.cfg.LowConfidenceThreshold:
		return fmt.Sprintf("continuation confidence %.2f below threshold %.2f",
			sig.Confidence, c.cfg.LowConfidenceThreshold)
	}
	return ""
}

// finish applies a Completed transition: state removed, guard released.
// Caller holds c.mu.
func (c *Controller) finish(conv *Conversation, d Decision) (Decision, error) {
	conv.Status = StatusCompleted
	if err := c.store.Delete(conv.ID); err != nil {
		return Decision{}, fmt.Errorf("remove conversation: %w", err)
	}
	delete(c.inflight, conv.ID)

	c.logger.Info("conversation completed",
		"conversation_id", conv.ID,
		"loop_depth", conv.LoopDepth,
	)
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourceBridge,
		Kind:      events.KindCompleted,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"loop_depth":      conv.LoopDepth,
		},
	})
	return d, nil
}

// escalate applies an Escalated transition: state removed, guard
// released, reason logged. Caller holds c.mu.
func (c *Controller) escalate(conv *Conversation, reason string) (Decision, error) {
	conv.Status = StatusEscalated
	if err := c.store.Delete(conv.ID); err != nil {
		return Decision{}, fmt.Errorf("remove conversation: %w", err)
	}
	delete(c.inflight, conv.ID)

	c.logger.Warn("conversation escalated",
		"conversation_id", conv.ID,
		"loop_depth", conv.LoopDepth,
		"reason", reason,
	)
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourceBridge,
		Kind:      events.KindEscalated,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"loop_depth":      conv.LoopDepth,
			"reason":          reason,
		},
	})
	return Decision{Action: ActionEscalated, Reason: reason, LoopDepth: conv.LoopDepth}, nil
}

// ExpireIdle force-removes conversations whose last activity is older
// than the idle timeout, regardless of state, and frees their guards.
// Returns the expired conversation ids.
func (c *Controller) ExpireIdle() ([]string, error) {
	if c.cfg.IdleTimeout <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	convs, err := c.store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	cutoff := c.now().Add(-c.cfg.IdleTimeout)
	var expired []string
	for _, conv := range convs {
		if conv.LastActivity.After(cutoff) {
			continue
		}
		if err := c.store.Delete(conv.ID); err != nil {
			return expired, fmt.Errorf("remove conversation: %w", err)
		}
		delete(c.inflight, conv.ID)
		expired = append(expired, conv.ID)

		c.logger.Info("conversation expired",
			"conversation_id", conv.ID,
			"idle", c.now().Sub(conv.LastActivity).Truncate(time.Second).String(),
		)
		c.bus.Publish(events.Event{
			Timestamp: c.now(),
			Source:    events.SourceBridge,
			Kind:      events.KindSessionExpired,
			Data:      map[string]any{"conversation_id": conv.ID},
		})
	}
	return expired, nil
}

// Snapshot returns copies of all stored conversations for read-only
// consumers (progress monitor, status page).
func (c *Controller) Snapshot() ([]*Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.ListActive()
}

// MarkSummarized records that a progress summary was just emitted for
// the conversation.
func (c *Controller) MarkSummarized(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, err := c.store.Get(conversationID)
	if err != nil || conv == nil {
		return err
	}
	conv.LastSummaryAt = c.now()
	return c.store.Put(conv)
}
