// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (bridge, executor, progress
// monitor, bus transport) to subscribers (WebSocket handler, future
// metrics collector). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBridge identifies events from the message bridge.
	SourceBridge = "bridge"
	// SourceExecutor identifies events from subprocess execution.
	SourceExecutor = "executor"
	// SourceMonitor identifies events from the progress monitor.
	SourceMonitor = "monitor"
	// SourceMQTT identifies events from the bus transport.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals an inbound chat message was accepted.
	// Data: conversation_id, chat_id, message_len.
	KindMessageReceived = "message_received"
	// KindMessageRejected signals an inbound message was dropped because
	// an execution is already in flight for the conversation.
	// Data: conversation_id.
	KindMessageRejected = "message_rejected"
	// KindExecStart signals a subprocess invocation began.
	// Data: conversation_id, request_id, attempt.
	KindExecStart = "exec_start"
	// KindExecDone signals a subprocess invocation finished.
	// Data: conversation_id, request_id, success, exit_code, duration_ms.
	KindExecDone = "exec_done"
	// KindClassified signals output classification completed.
	// Data: conversation_id, kind, confidence, has_error, needs_input.
	KindClassified = "classified"
	// KindContinued signals an automatic continuation was accepted.
	// Data: conversation_id, loop_depth, next_phase.
	KindContinued = "continued"
	// KindCompleted signals a conversation finished.
	// Data: conversation_id, loop_depth.
	KindCompleted = "completed"
	// KindEscalated signals a conversation now requires a human.
	// Data: conversation_id, loop_depth, reason.
	KindEscalated = "escalated"
	// KindProgressSent signals a progress summary was emitted.
	// Data: conversation_id, loop_depth, elapsed_ms.
	KindProgressSent = "progress_sent"
	// KindSessionExpired signals idle conversation state was removed.
	// Data: conversation_id.
	KindSessionExpired = "session_expired"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
