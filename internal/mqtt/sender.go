package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/hollisb/skillbridge/internal/classify"
	"github.com/hollisb/skillbridge/internal/executor"
)

// resultPayload is the JSON body published for each completed
// invocation. The raw tool output stays out of the payload; the
// summary carries the human-facing digest.
type resultPayload struct {
	ConversationID string              `json:"conversation_id"`
	ChatID         string              `json:"chat_id"`
	Kind           string              `json:"kind"`
	Confidence     float64             `json:"confidence"`
	Summary        string              `json:"summary"`
	NextPhase      string              `json:"next_phase,omitempty"`
	HasError       bool                `json:"has_error,omitempty"`
	NeedsInput     bool                `json:"needs_input,omitempty"`
	ExitCode       int                 `json:"exit_code"`
	TimedOut       bool                `json:"timed_out,omitempty"`
	DurationMs     int64               `json:"duration_ms"`
	Attachments    []attachmentPayload `json:"attachments,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

type attachmentPayload struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type progressPayload struct {
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	Summary        string    `json:"summary"`
	Timestamp      time.Time `json:"timestamp"`
}

type errorPayload struct {
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// SendResult publishes a classified invocation outcome to the result
// topic.
func (c *Client) SendResult(ctx context.Context, conversationID, chatID string, res *executor.Result, sig classify.Signal, attachments []classify.Attachment) error {
	payload := resultPayload{
		ConversationID: conversationID,
		ChatID:         chatID,
		Kind:           string(sig.Kind),
		Confidence:     sig.Confidence,
		Summary:        sig.Summary,
		NextPhase:      sig.NextPhase,
		HasError:       sig.HasError,
		NeedsInput:     sig.NeedsInput,
		ExitCode:       res.ExitCode,
		TimedOut:       res.TimedOut,
		DurationMs:     res.Duration.Milliseconds(),
		Timestamp:      time.Now(),
	}
	for _, a := range attachments {
		payload.Attachments = append(payload.Attachments, attachmentPayload{
			Path: a.Path,
			Kind: string(a.Kind),
		})
	}
	return c.publishJSON(ctx, c.outboundPrefix()+"/result", payload)
}

// SendProgress publishes a periodic progress summary for a
// long-running conversation.
func (c *Client) SendProgress(ctx context.Context, conversationID, chatID, summary string) error {
	return c.publishJSON(ctx, c.outboundPrefix()+"/progress", progressPayload{
		ConversationID: conversationID,
		ChatID:         chatID,
		Summary:        summary,
		Timestamp:      time.Now(),
	})
}

// SendError publishes a human-attention notice: escalations, launch
// failures, and internal errors all land here.
func (c *Client) SendError(ctx context.Context, conversationID, chatID, message string) error {
	return c.publishJSON(ctx, c.outboundPrefix()+"/error", errorPayload{
		ConversationID: conversationID,
		ChatID:         chatID,
		Message:        message,
		Timestamp:      time.Now(),
	})
}

func (c *Client) publishJSON(ctx context.Context, topic string, payload any) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: data,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	c.logger.Debug("mqtt published", "topic", topic, "payload_size", len(data))
	return nil
}
