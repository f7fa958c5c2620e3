package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

// MemoryDB keeps conversations in process memory. Used when no database is
// configured and in tests.
type MemoryDB struct {
	mu    sync.RWMutex
	convs map[string]models.Conversation
}

// NewMemory creates an empty in-memory store
func NewMemory() *MemoryDB {
	return &MemoryDB{convs: make(map[string]models.Conversation)}
}

func (m *MemoryDB) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	m.convs[conv.ID] = *conv
	return nil
}

func (m *MemoryDB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &conv, nil
}

func (m *MemoryDB) ListConversations(ctx context.Context, limit, offset int) ([]models.Conversation, int, error) {
	m.mu.RLock()
	all := make([]models.Conversation, 0, len(m.convs))
	for _, conv := range m.convs {
		all = append(all, conv)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	if offset >= total {
		return []models.Conversation{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

// Count returns the number of stored conversations
func (m *MemoryDB) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

func (m *MemoryDB) Ping(ctx context.Context) error { return nil }

func (m *MemoryDB) Close() error { return nil }
