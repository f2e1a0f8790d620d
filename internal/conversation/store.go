// Package conversation keeps chat histories in memory, scoped to the client
// that created them.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/montana-relay/internal/domain"
)

// ErrNotFound is returned for unknown conversations and for conversations
// owned by another client.
var ErrNotFound = errors.New("conversation not found")

// Conversation is an ordered chat history.
type Conversation struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"createdAt"`
	Messages  []domain.Message `json:"messages"`
}

// Store is a concurrency-safe in-memory conversation store.
type Store struct {
	mu       sync.RWMutex
	byOwner  map[string]map[string]*Conversation
	greeting string
	now      func() time.Time
}

// NewStore creates a store whose new conversations open with greeting from
// the assistant. An empty greeting starts conversations empty.
func NewStore(greeting string) *Store {
	return &Store{
		byOwner:  make(map[string]map[string]*Conversation),
		greeting: greeting,
		now:      time.Now,
	}
}

// Create starts a conversation for owner.
func (s *Store) Create(owner string) Conversation {
	now := s.now()
	c := &Conversation{ID: uuid.NewString(), CreatedAt: now}
	if s.greeting != "" {
		c.Messages = append(c.Messages, domain.Message{
			Sender:    domain.SenderAI,
			Text:      s.greeting,
			Timestamp: now.UnixMilli(),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	convs, ok := s.byOwner[owner]
	if !ok {
		convs = make(map[string]*Conversation)
		s.byOwner[owner] = convs
	}
	convs[c.ID] = c
	return c.clone()
}

// Get returns a copy of the conversation.
func (s *Store) Get(owner, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byOwner[owner][id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.clone(), nil
}

// Append adds messages to the end of the conversation in order.
func (s *Store) Append(owner, id string, msgs ...domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byOwner[owner][id]
	if !ok {
		return ErrNotFound
	}
	c.Messages = append(c.Messages, msgs...)
	return nil
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = append([]domain.Message(nil), c.Messages...)
	return out
}
