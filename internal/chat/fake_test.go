package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/luna/internal/models"
)

var errStore = errors.New("store unavailable")

// memRepo is an in-memory Repository.
type memRepo struct {
	mu            sync.Mutex
	seq           int
	conversations map[string]*models.Conversation
	messages      []models.StoredMessage

	deleted        [][]string
	updated        map[string]string
	orphansCleared int
	convsDeleted   []string

	// saveFailures makes the next n SaveMessage calls fail.
	saveFailures int
	failCreate   bool
	failDelete   bool
	failAdopt    bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		conversations: make(map[string]*models.Conversation),
		updated:       make(map[string]string),
	}
}

func (r *memRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memRepo) now() time.Time {
	return time.Unix(1700000000, 0).Add(time.Duration(r.seq) * time.Second)
}

func (r *memRepo) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate {
		return nil, errStore
	}
	c := &models.Conversation{ID: r.nextID("conv"), UserID: userID, Title: title}
	c.CreatedAt = r.now()
	c.UpdatedAt = c.CreatedAt
	r.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (r *memRepo) LatestConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Conversation
	for _, c := range r.conversations {
		if c.UserID != userID {
			continue
		}
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *memRepo) DeleteConversation(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDelete {
		return errStore
	}
	delete(r.conversations, id)
	kept := r.messages[:0]
	for _, m := range r.messages {
		if m.ConversationID != id {
			kept = append(kept, m)
		}
	}
	r.messages = kept
	r.convsDeleted = append(r.convsDeleted, id)
	return nil
}

func (r *memRepo) SaveMessage(ctx context.Context, msg *models.StoredMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveFailures > 0 {
		r.saveFailures--
		return errStore
	}
	msg.ID = r.nextID("msg")
	msg.CreatedAt = r.now()
	r.messages = append(r.messages, *msg)
	if c, ok := r.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (r *memRepo) list(userID, convID string, limit int) []models.StoredMessage {
	var out []models.StoredMessage
	for _, m := range r.messages {
		if m.UserID == userID && m.ConversationID == convID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *memRepo) ListMessages(ctx context.Context, userID, convID string, limit int) ([]models.StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(userID, convID, limit), nil
}

func (r *memRepo) ListOrphanMessages(ctx context.Context, userID string, limit int) ([]models.StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(userID, "", limit), nil
}

func (r *memRepo) UpdateMessageContent(ctx context.Context, userID, id, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated[id] = content
	for i := range r.messages {
		if r.messages[i].ID == id {
			r.messages[i].Content = content
		}
	}
	return nil
}

func (r *memRepo) DeleteMessages(ctx context.Context, userID string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, append([]string(nil), ids...))
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := r.messages[:0]
	for _, m := range r.messages {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	r.messages = kept
	return nil
}

func (r *memRepo) DeleteOrphanMessages(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDelete {
		return errStore
	}
	r.orphansCleared++
	kept := r.messages[:0]
	for _, m := range r.messages {
		if m.ConversationID != "" {
			kept = append(kept, m)
		}
	}
	r.messages = kept
	return nil
}

func (r *memRepo) AdoptOrphanMessages(ctx context.Context, userID, convID string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdopt {
		return errStore
	}
	adopt := make(map[string]bool, len(ids))
	for _, id := range ids {
		adopt[id] = true
	}
	for i := range r.messages {
		m := &r.messages[i]
		if adopt[m.ID] && m.UserID == userID && m.ConversationID == "" {
			m.ConversationID = convID
		}
	}
	return nil
}

func (r *memRepo) rows() []models.StoredMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StoredMessage(nil), r.messages...)
}

func (r *memRepo) deletedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, batch := range r.deleted {
		ids = append(ids, batch...)
	}
	sort.Strings(ids)
	return ids
}

// fakeBackend answers each Stream call with respond.
type fakeBackend struct {
	mu      sync.Mutex
	calls   [][]models.Turn
	respond func(turns []models.Turn) (io.ReadCloser, error)
}

func (b *fakeBackend) Stream(ctx context.Context, turns []models.Turn) (io.ReadCloser, error) {
	b.mu.Lock()
	b.calls = append(b.calls, turns)
	respond := b.respond
	b.mu.Unlock()
	return respond(turns)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) lastCall() []models.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return nil
	}
	return b.calls[len(b.calls)-1]
}

func replying(frags ...string) func([]models.Turn) (io.ReadCloser, error) {
	return func([]models.Turn) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(sseBody(frags...))), nil
	}
}

func sseBody(frags ...string) string {
	var b strings.Builder
	for _, f := range frags {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", f)
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// notices records notifications.
type notices struct {
	mu  sync.Mutex
	got []Notice
}

func (n *notices) Notify(x Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func (n *notices) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.got...)
}

func counter(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}
