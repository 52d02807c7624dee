// Package monitor periodically reports on long-running conversations so
// the person who asked for the work can see it is still moving. It also
// drives idle-state expiry, since both are sweeps over the same state.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hollisb/skillbridge/internal/events"
	"github.com/hollisb/skillbridge/internal/loop"
)

// ProgressSender delivers progress summaries to the chat transport. The
// real implementation is the MQTT publisher.
type ProgressSender interface {
	SendProgress(ctx context.Context, conversationID, chatID, summary string) error
}

// Controller is the slice of the loop controller the monitor reads.
type Controller interface {
	Snapshot() ([]*loop.Conversation, error)
	MarkSummarized(conversationID string) error
	ExpireIdle() ([]string, error)
}

// Config tunes the sweep.
type Config struct {
	// Enabled turns progress summaries on. Expiry runs regardless.
	Enabled bool
	// Interval is the minimum time between summaries for one
	// conversation.
	Interval time.Duration
	// Tick is how often the sweep runs.
	Tick time.Duration
}

// Monitor runs the periodic sweep.
type Monitor struct {
	cfg        Config
	controller Controller
	sender     ProgressSender
	logger     *slog.Logger
	bus        *events.Bus

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Monitor. Call [Monitor.Start] to begin sweeping.
func New(cfg Config, controller Controller, sender ProgressSender, logger *slog.Logger, bus *events.Bus) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:        cfg,
		controller: controller,
		sender:     sender,
		logger:     logger,
		bus:        bus,
		now:        time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("progress monitor started",
		"tick", m.cfg.Tick.String(),
		"interval", m.cfg.Interval.String(),
		"progress_enabled", m.cfg.Enabled,
	)

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("progress monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: expire idle conversations, then emit summaries
// for conversations that have gone long enough without one. A failing
// send is logged and never stops the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	if _, err := m.controller.ExpireIdle(); err != nil {
		m.logger.Error("idle expiry sweep failed", "error", err)
	}

	if !m.cfg.Enabled {
		return
	}

	convs, err := m.controller.Snapshot()
	if err != nil {
		m.logger.Error("progress sweep could not list conversations", "error", err)
		return
	}

	now := m.now()
	for _, conv := range convs {
		if conv.Status != loop.StatusActive {
			continue
		}
		if now.Sub(conv.LastSummaryAt) < m.cfg.Interval {
			continue
		}

		summary := buildProgressSummary(conv, now)
		if err := m.sender.SendProgress(ctx, conv.ID, conv.ChatID, summary); err != nil {
			m.logger.Warn("progress summary send failed",
				"conversation_id", conv.ID,
				"error", err,
			)
			continue
		}
		if err := m.controller.MarkSummarized(conv.ID); err != nil {
			m.logger.Warn("could not record summary timestamp",
				"conversation_id", conv.ID,
				"error", err,
			)
		}

		m.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceMonitor,
			Kind:      events.KindProgressSent,
			Data: map[string]any{
				"conversation_id": conv.ID,
				"loop_depth":      conv.LoopDepth,
				"elapsed_ms":      now.Sub(conv.StartedAt).Milliseconds(),
			},
		})
	}
}

// buildProgressSummary renders elapsed time, loop count, and current
// phase for one conversation.
func buildProgressSummary(conv *loop.Conversation, now time.Time) string {
	var b strings.Builder
	b.WriteString("⏳ still working\n")
	fmt.Fprintf(&b, "Elapsed: %s\n", FormatElapsed(now.Sub(conv.StartedAt)))
	fmt.Fprintf(&b, "Continuations: %d", conv.LoopDepth)
	if conv.LastPhase != "" {
		fmt.Fprintf(&b, "\nCurrent phase: %s", conv.LastPhase)
	}
	return b.String()
}

// FormatElapsed renders a duration as hours/minutes/seconds, dropping
// leading zero units: "2h 5m 3s", "5m 3s", "42s".
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
