package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RichardoC/luna/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotEditable     = errors.New("message cannot be edited or deleted")
)

// messageRemote is the slice of the remote store the Store writes to when
// local edits and deletes touch persisted rows.
type messageRemote interface {
	DeleteMessages(ctx context.Context, ids []string) error
	UpdateMessage(ctx context.Context, id, content string) error
}

// Store is the ordered list of turns in the current conversation. The
// welcome message is always its first element.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message
	welcome  models.Message

	remote messageRemote
	tasks  *Tasks
}

func NewStore(welcome string, tasks *Tasks) *Store {
	if tasks == nil {
		tasks = NewTasks(nil, nil)
	}
	s := &Store{
		welcome: models.Message{
			ID:        models.WelcomeID,
			Role:      models.RoleAssistant,
			Content:   welcome,
			Timestamp: time.Now(),
		},
		tasks: tasks,
	}
	s.messages = []models.Message{s.welcome}
	return s
}

func (s *Store) bind(r messageRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = r
}

// Messages returns a copy of the visible list.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *Store) Find(id models.MessageID) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.messages[i], true
	}
	return models.Message{}, false
}

// Turns builds the payload for the language model: every message except
// the welcome, in order.
func (s *Store) Turns() []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]models.Turn, 0, len(s.messages))
	for _, m := range s.messages {
		if m.IsWelcome() {
			continue
		}
		turns = append(turns, models.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func (s *Store) Append(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// UpdateLast replaces the content of the trailing assistant turn when it
// carries id, and otherwise starts that turn. Streaming fragments coalesce
// into one growing message this way.
func (s *Store) UpdateLast(id models.MessageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.messages); n > 0 {
		last := &s.messages[n-1]
		if last.Role == models.RoleAssistant && last.ID == id {
			last.Content = content
			return
		}
	}
	s.messages = append(s.messages, models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// Reconcile swaps a provisional id for the one assigned by the remote store.
func (s *Store) Reconcile(from, to models.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(from)
	if i < 0 {
		return false
	}
	s.messages[i].ID = to
	return true
}

// EditAt replaces the content of the message with id and drops everything
// after it. Persisted rows that were dropped are deleted remotely and the
// edited row is updated, both in the background. The dropped messages are
// returned.
func (s *Store) EditAt(id models.MessageID, content string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id.IsWelcome() {
		return nil, ErrNotEditable
	}
	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrMessageNotFound
	}

	removed := append([]models.Message(nil), s.messages[i+1:]...)
	s.messages[i].Content = content
	s.messages = s.messages[:i+1]

	if s.remote == nil {
		return removed, nil
	}
	var ids []string
	for _, m := range removed {
		if m.ID.IsPersisted() {
			ids = append(ids, m.ID.Value())
		}
	}
	if len(ids) > 0 {
		r := s.remote
		s.tasks.Go("delete truncated messages", func(ctx context.Context) error {
			return r.DeleteMessages(ctx, ids)
		})
	}
	if id.IsPersisted() {
		r := s.remote
		s.tasks.Go("update edited message", func(ctx context.Context) error {
			return r.UpdateMessage(ctx, id.Value(), content)
		})
	}
	return removed, nil
}

// Remove drops a single message. Persisted messages are also deleted from
// the remote store in the background; provisional ones never reach it.
func (s *Store) Remove(id models.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id.IsWelcome() {
		return ErrNotEditable
	}
	i := s.indexOf(id)
	if i < 0 {
		return ErrMessageNotFound
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)

	if id.IsPersisted() && s.remote != nil {
		r := s.remote
		s.tasks.Go("delete message", func(ctx context.Context) error {
			return r.DeleteMessages(ctx, []string{id.Value()})
		})
	}
	return nil
}

// ReplaceAll installs a freshly loaded list behind the welcome message.
func (s *Store) ReplaceAll(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]models.Message, 0, len(msgs)+1)
	next = append(next, s.welcome)
	for _, m := range msgs {
		if m.IsWelcome() {
			continue
		}
		next = append(next, m)
	}
	s.messages = next
}

// Reset leaves only the welcome message.
func (s *Store) Reset() {
	s.ReplaceAll(nil)
}

func (s *Store) indexOf(id models.MessageID) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}
