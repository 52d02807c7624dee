// Package loop owns per-conversation state: how many automatic
// continuations have been taken, what phase the conversation is in, and
// whether it still runs unattended or needs a human. It is the only
// writer of conversation state; everything else reads snapshots.
package loop

import (
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	// StatusActive means the conversation may continue automatically.
	StatusActive Status = "active"
	// StatusEscalated means a human must intervene; no further
	// automatic invocations happen.
	StatusEscalated Status = "escalated"
	// StatusCompleted means the conversation finished cleanly.
	StatusCompleted Status = "completed"
)

// Conversation is the per-conversation record. The controller creates
// it on the first admitted message, mutates it on every classification,
// and removes it on completion, escalation, or idle expiry.
type Conversation struct {
	// ID is the conversation key, derived from (chat id, sender id).
	ID string `json:"id"`
	// ChatID is where responses are sent.
	ChatID string `json:"chat_id"`
	// StartedAt is when the first message was admitted.
	StartedAt time.Time `json:"started_at"`
	// LastActivity is updated on every admission and classification;
	// the idle sweep uses it.
	LastActivity time.Time `json:"last_activity"`
	// LastSummaryAt is when the progress monitor last reported on this
	// conversation.
	LastSummaryAt time.Time `json:"last_summary_at"`
	// LoopDepth counts accepted automatic continuations. It only
	// increases, and never beyond the configured maximum.
	LoopDepth int `json:"loop_depth"`
	// LastPhase is the most recently accepted continuation text.
	LastPhase string `json:"last_phase,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
}

// clone returns an independent copy so store internals never alias
// caller-held pointers.
func (c *Conversation) clone() *Conversation {
	cp := *c
	return &cp
}

// Action is what the caller should do after a classification.
type Action string

const (
	// ActionContinue means invoke the executor again with NextPhase.
	ActionContinue Action = "continue"
	// ActionCompleted means the conversation is done.
	ActionCompleted Action = "completed"
	// ActionEscalated means stop and tell a human.
	ActionEscalated Action = "escalated"
)

// Decision is the controller's verdict for one classification result.
type Decision struct {
	Action Action
	// NextPhase is set when Action is ActionContinue.
	NextPhase string
	// Reason explains an escalation in human terms.
	Reason string
	// LoopDepth is the conversation's depth after this decision.
	LoopDepth int
}
