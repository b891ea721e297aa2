package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process adapter. It backs the default configuration
// and every test; contents do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	messages map[string]*Message
	matches  map[string]*Match
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		messages: make(map[string]*Message),
		matches:  make(map[string]*Match),
	}
}

// PutUser seeds a user record. Exposed because the hub itself never creates
// users; the owning service (or a test) does.
func (s *MemoryStore) PutUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
}

func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return ErrNotFound
	}
	cp := *user
	cp.UpdatedAt = time.Now()
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) FindMessagesBetween(ctx context.Context, a, b string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, msg := range s.messages {
		if (msg.Sender == a && msg.Receiver == b) || (msg.Sender == b && msg.Receiver == a) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	cp := *msg
	cp.UpdatedAt = time.Now()
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) FindOrCreateMatch(ctx context.Context, userID string) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match, ok := s.matches[userID]
	if !ok {
		match = &Match{UserID: userID}
		s.matches[userID] = match
	}
	cp := *match
	return &cp, nil
}
