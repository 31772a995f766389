package session

import (
	"sort"
	"sync"

	"github.com/wa-gateway/backend/internal/model"
)

// Store is the in-memory contact working set. Contacts are never removed.
type Store struct {
	mu       sync.RWMutex
	contacts map[string]*model.Contact
}

func NewStore() *Store {
	return &Store{
		contacts: make(map[string]*model.Contact),
	}
}

func (s *Store) Get(id string) (*model.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// GetAll returns copies of every contact, most recently active first.
func (s *Store) GetAll() []model.Contact {
	s.mu.RLock()
	result := make([]model.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		result = append(result, *c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

// Upsert applies fn to the contact with the given id, creating it with name
// first if needed, and returns a summary of the result.
func (s *Store) Upsert(id, name string, fn func(c *model.Contact)) model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		c = &model.Contact{ID: id, Name: name}
		s.contacts[id] = c
	}
	fn(c)
	return c.Summary()
}

// SetAvatar records the resolved avatar URL for a contact.
func (s *Store) SetAvatar(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[id]; ok {
		c.AvatarURL = url
	}
}

// UpdateStatus moves a message forward to status. It reports whether the
// message was found and whether its status changed; statuses never regress.
func (s *Store) UpdateStatus(chatID, messageID string, status model.DeliveryStatus) (found, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[chatID]
	if !ok {
		return false, false
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.ID != messageID {
			continue
		}
		if statusRank(status) <= statusRank(m.Status) {
			return true, false
		}
		m.Status = status
		return true, true
	}
	return false, false
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts)
}

func statusRank(s model.DeliveryStatus) int {
	switch s {
	case model.StatusSent:
		return 1
	case model.StatusDelivered:
		return 2
	case model.StatusRead:
		return 3
	}
	return 0
}
