package prompt

import (
	"strings"

	"github.com/zhouzirui/z-examiner/backend/internal/model/session"
)

// Store exposes the topic catalogue.
type Store interface {
	List() []PromptSet
	FindByID(id string) (PromptSet, bool)
}

// MemoryStore implements Store over an in-memory slice.
type MemoryStore struct {
	items []PromptSet
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied sets.
func NewMemoryStore(items []PromptSet) *MemoryStore {
	return &MemoryStore{items: append([]PromptSet(nil), items...)}
}

// List returns every topic.
func (s *MemoryStore) List() []PromptSet {
	return append([]PromptSet(nil), s.items...)
}

// FindByID looks a topic up case-insensitively.
func (s *MemoryStore) FindByID(id string) (PromptSet, bool) {
	id = strings.TrimSpace(id)
	for _, item := range s.items {
		if strings.EqualFold(item.ID, id) {
			return item, true
		}
	}
	return PromptSet{}, false
}

// Sequence returns a copy of the ordered prompts for topic. The copy keeps the
// catalogue immutable even if a caller mutates the result.
func Sequence(store Store, topic string) (PromptSet, error) {
	set, ok := store.FindByID(topic)
	if !ok {
		return PromptSet{}, session.ErrTopicNotFound
	}
	set.Prompts = append([]Prompt(nil), set.Prompts...)
	return set, nil
}
