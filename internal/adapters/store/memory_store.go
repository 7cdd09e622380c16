package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of the MessageStore interface
type MemoryStore struct {
	messages map[string]*core.StoredMessage
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewMemoryStore creates a new in-memory message store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*core.StoredMessage),
		logger:   logger,
	}
}

// Save stores a copy of msg under a new id
func (s *MemoryStore) Save(ctx context.Context, msg *core.StoredMessage) (string, error) {
	stored := msg.Clone()
	stored.ID = ulid.Make().String()

	s.mu.Lock()
	s.messages[stored.ID] = stored
	s.mu.Unlock()

	s.logger.Debug("Stored message", zap.String("id", stored.ID), zap.String("status", string(stored.Status)))
	return stored.ID, nil
}

// FindByParticipant returns live messages sent by or addressed to address
func (s *MemoryStore) FindByParticipant(ctx context.Context, address string, limit int) ([]*core.StoredMessage, error) {
	address = normalize(address)

	s.mu.RLock()
	var out []*core.StoredMessage
	for _, m := range s.messages {
		if m.Status == core.StatusDeleted {
			continue
		}
		if normalize(m.Sender) == address || m.HasRecipient(address) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecentFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountForMailbox returns the number of live messages addressed to identity
func (s *MemoryStore) CountForMailbox(ctx context.Context, identity string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages {
		if m.Status != core.StatusDeleted && m.HasRecipient(identity) {
			n++
		}
	}
	return n, nil
}

// UpdateStatus changes the status of a stored message
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status core.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, nil
	}
	m.Status = status
	return true, nil
}

// Len returns the number of stored messages, deleted ones included
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// sortRecentFirst orders by received time, newest first. ULIDs break ties
// in insertion order.
func sortRecentFirst(msgs []*core.StoredMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
}
