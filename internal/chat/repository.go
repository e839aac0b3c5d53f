package chat

import (
	"context"
	"time"

	"github.com/RichardoC/luna/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// Repository is the remote store holding conversations and messages. Every
// call is scoped to one user's rows.
type Repository interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	// LatestConversation returns the most recently updated conversation, or
	// nil when the user has none.
	LatestConversation(ctx context.Context, userID string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// SaveMessage inserts msg and fills in its ID and CreatedAt. It also
	// advances the owning conversation's updated_at.
	SaveMessage(ctx context.Context, msg *models.StoredMessage) error
	// ListMessages returns the most recent limit messages of a conversation
	// in ascending creation order.
	ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.StoredMessage, error)
	ListOrphanMessages(ctx context.Context, userID string, limit int) ([]models.StoredMessage, error)
	UpdateMessageContent(ctx context.Context, userID, messageID, content string) error
	DeleteMessages(ctx context.Context, userID string, messageIDs []string) error
	DeleteOrphanMessages(ctx context.Context, userID string) error
	// AdoptOrphanMessages moves the listed messages into conversationID if
	// they are still orphaned.
	AdoptOrphanMessages(ctx context.Context, userID, conversationID string, messageIDs []string) error
}

const (
	defaultPersistTimeout    = 10 * time.Second
	defaultPersistRetryDelay = 250 * time.Millisecond
)

// remote binds a Repository to the signed-in user and applies the
// persistence policy: a bounded timeout per attempt and a single retry.
type remote struct {
	repo       Repository
	userID     string
	timeout    time.Duration
	retryDelay time.Duration
}

func (r *remote) do(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), 1),
		ctx,
	)
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return op(attemptCtx)
	}, policy)
}

func (r *remote) createConversation(ctx context.Context, title string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := r.do(ctx, func(ctx context.Context) error {
		c, err := r.repo.CreateConversation(ctx, r.userID, title)
		conv = c
		return err
	})
	return conv, err
}

func (r *remote) latestConversation(ctx context.Context) (*models.Conversation, error) {
	var conv *models.Conversation
	err := r.do(ctx, func(ctx context.Context) error {
		c, err := r.repo.LatestConversation(ctx, r.userID)
		conv = c
		return err
	})
	return conv, err
}

func (r *remote) deleteConversation(ctx context.Context, id string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.repo.DeleteConversation(ctx, r.userID, id)
	})
}

func (r *remote) saveMessage(ctx context.Context, msg *models.StoredMessage) error {
	msg.UserID = r.userID
	return r.do(ctx, func(ctx context.Context) error {
		return r.repo.SaveMessage(ctx, msg)
	})
}

func (r *remote) listMessages(ctx context.Context, conversationID string, limit int) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		if conversationID == "" {
			msgs, err = r.repo.ListOrphanMessages(ctx, r.userID, limit)
		} else {
			msgs, err = r.repo.ListMessages(ctx, r.userID, conversationID, limit)
		}
		return err
	})
	return msgs, err
}

func (r *remote) deleteOrphans(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.repo.DeleteOrphanMessages(ctx, r.userID)
	})
}

func (r *remote) adoptOrphans(ctx context.Context, conversationID string, ids []string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.repo.AdoptOrphanMessages(ctx, r.userID, conversationID, ids)
	})
}

// DeleteMessages and UpdateMessage satisfy messageRemote for the Store.

func (r *remote) DeleteMessages(ctx context.Context, ids []string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.repo.DeleteMessages(ctx, r.userID, ids)
	})
}

func (r *remote) UpdateMessage(ctx context.Context, id, content string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.repo.UpdateMessageContent(ctx, r.userID, id, content)
	})
}
