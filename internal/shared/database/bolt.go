package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
	bolt "go.etcd.io/bbolt"
)

var (
	conversationsBucket = []byte("conversations")
	createdIndexBucket  = []byte("conversations_by_created_at")
)

// BoltDB is a single-file conversation store for deployments without postgres.
// Records live in one bucket keyed by id; a second bucket indexes them by
// creation time so history pages can be read newest first with a cursor.
type BoltDB struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the bolt file at path
func NewBolt(path string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conversationsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(createdIndexBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

// indexKey sorts by creation time, then id
func indexKey(conv *models.Conversation) []byte {
	key := make([]byte, 8, 8+len(conv.ID))
	binary.BigEndian.PutUint64(key, uint64(conv.CreatedAt.UnixNano()))
	return append(key, conv.ID...)
}

func (b *BoltDB) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(conversationsBucket)
		if records.Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		}
		if err := records.Put([]byte(conv.ID), data); err != nil {
			return err
		}
		return tx.Bucket(createdIndexBucket).Put(indexKey(conv), []byte(conv.ID))
	})
}

func (b *BoltDB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &conv)
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (b *BoltDB) ListConversations(ctx context.Context, limit, offset int) ([]models.Conversation, int, error) {
	convs := make([]models.Conversation, 0, limit)
	var total int
	err := b.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(conversationsBucket)
		index := tx.Bucket(createdIndexBucket)
		total = index.Stats().KeyN

		c := index.Cursor()
		skipped := 0
		for k, id := c.Last(); k != nil && len(convs) < limit; k, id = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			v := records.Get(id)
			if v == nil {
				continue
			}
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("decode conversation %s: %w", id, err)
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

func (b *BoltDB) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error { return nil })
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}
