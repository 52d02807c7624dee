package loop

import (
	"sort"
	"sync"
)

// Store abstracts conversation state persistence. The controller calls
// Get/Put around every transition, so a durable implementation survives
// restarts while MemoryStore keeps everything process-local. Get
// returns (nil, nil) when the conversation does not exist.
type Store interface {
	Get(id string) (*Conversation, error)
	Put(conv *Conversation) error
	Delete(id string) error
	// ListActive returns all stored conversations ordered by StartedAt.
	// Only active conversations are ever stored; terminal states are
	// removed at transition time.
	ListActive() ([]*Conversation, error)
	Close() error
}

// MemoryStore is the default Store when no data directory is
// configured. State is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*Conversation)}
}

// Get returns a copy of the stored conversation, or (nil, nil).
func (s *MemoryStore) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return conv.clone(), nil
}

// Put stores a copy of the conversation.
func (s *MemoryStore) Put(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.clone()
	return nil
}

// Delete removes the conversation. Deleting an absent id is a no-op.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

// ListActive returns copies of all conversations ordered by StartedAt.
func (s *MemoryStore) ListActive() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
