package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/RichardoC/luna/internal/models"
	"go.uber.org/zap"
)

const (
	// HistoryLimit caps how many messages a conversation load brings back.
	HistoryLimit = 50

	titleLimit = 50
)

// Conversations tracks which conversation is current and keeps the Store in
// step with it. An empty id means nothing has been persisted yet.
type Conversations struct {
	mu      sync.Mutex
	current string

	store  *Store
	remote *remote
	logger *zap.Logger
}

func newConversations(store *Store, logger *zap.Logger) *Conversations {
	return &Conversations{store: store, logger: logger}
}

func (c *Conversations) bind(r *remote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = r
}

// Current returns the id of the current conversation, or "" when none.
func (c *Conversations) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Ensure returns the current conversation id, creating a conversation titled
// after firstMessage when there is none yet. Orphaned messages on screen are
// moved into the new conversation so its transcript matches what was sent.
func (c *Conversations) Ensure(ctx context.Context, firstMessage string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != "" {
		return c.current, nil
	}

	conv, err := c.remote.createConversation(ctx, Title(firstMessage))
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	c.current = conv.ID
	c.logger.Debug("created conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("title", conv.Title))

	if ids := c.visibleOrphans(); len(ids) > 0 {
		if err := c.remote.adoptOrphans(ctx, conv.ID, ids); err != nil {
			c.logger.Error("Error moving orphaned messages",
				zap.String("conversation_id", conv.ID),
				zap.Int("count", len(ids)),
				zap.Error(err))
		}
	}
	return c.current, nil
}

// Switch makes id current and loads its messages. An empty id starts a
// fresh conversation without touching the remote store.
func (c *Conversations) Switch(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		c.current = ""
		c.store.Reset()
		return nil
	}

	msgs, err := c.remote.listMessages(ctx, id, HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	c.current = id
	c.store.ReplaceAll(toMessages(msgs))
	return nil
}

// LoadInitial adopts the most recently updated conversation. Users without
// one get any orphaned messages they wrote before conversations existed.
func (c *Conversations) LoadInitial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.remote.latestConversation(ctx)
	if err != nil {
		return fmt.Errorf("failed to find latest conversation: %w", err)
	}

	id := ""
	if latest != nil {
		id = latest.ID
	}
	msgs, err := c.remote.listMessages(ctx, id, HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load chat history: %w", err)
	}
	c.current = id
	c.store.ReplaceAll(toMessages(msgs))
	return nil
}

// Clear deletes the current conversation, or the orphaned messages when
// there is none, and resets to the welcome message. The local reset happens
// even when the remote delete fails.
func (c *Conversations) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.current != "" {
		err = c.remote.deleteConversation(ctx, c.current)
	} else {
		err = c.remote.deleteOrphans(ctx)
	}
	c.current = ""
	c.store.Reset()
	if err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// visibleOrphans lists the remote ids of the persisted messages on screen.
// Callers hold c.mu with no conversation current, so every one is orphaned.
func (c *Conversations) visibleOrphans() []string {
	var ids []string
	for _, m := range c.store.Messages() {
		if m.ID.IsPersisted() {
			ids = append(ids, m.ID.Value())
		}
	}
	return ids
}

// Title derives a conversation title from its first message.
func Title(firstMessage string) string {
	text := strings.TrimSpace(firstMessage)
	runes := []rune(text)
	if len(runes) <= titleLimit {
		return text
	}
	return string(runes[:titleLimit]) + "..."
}

func toMessages(rows []models.StoredMessage) []models.Message {
	msgs := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.ToMessage())
	}
	return msgs
}
