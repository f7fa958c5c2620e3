package database

import (
	"context"
	"errors"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

// ErrNotFound is returned when a conversation id has no record
var ErrNotFound = errors.New("conversation not found")

// Store persists conversations and serves history reads
type Store interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]models.Conversation, int, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*BoltDB)(nil)
	_ Store = (*MemoryDB)(nil)
)
