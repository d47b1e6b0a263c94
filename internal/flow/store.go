package flow

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrFlowNotFound = errors.New("authorization flow not found")
	ErrFlowExpired  = errors.New("authorization flow expired")
)

// Store keeps pending authorization flows. Flows are short-lived (bounded by
// the continuation TTL) and single-node, so an in-memory map suffices.
type Store struct {
	mu    sync.Mutex
	flows map[string]State
}

// NewStore creates an empty flow store.
func NewStore() *Store {
	return &Store{
		flows: make(map[string]State),
	}
}

// Put stores a flow state under its flow ID.
func (s *Store) Put(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[state.FlowID] = state
}

// Take removes and returns the flow, enforcing expiry. Consuming on read
// makes each continuation single-use.
func (s *Store) Take(flowID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	delete(s.flows, flowID)

	if time.Now().After(state.ExpiresAt) {
		return nil, ErrFlowExpired
	}

	return &state, nil
}

// CleanupExpired drops flows past their expiry. Called periodically by the
// server's maintenance loop.
func (s *Store) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, state := range s.flows {
		if now.After(state.ExpiresAt) {
			delete(s.flows, id)
		}
	}
}
