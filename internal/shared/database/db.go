package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the postgres SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// DB is the postgres-backed conversation store
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// EnsureSchema creates the conversations table when it does not exist yet
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// SaveConversation inserts a conversation. A second insert with the same id
// is rejected rather than overwriting the first.
func (db *DB) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, prompt, response, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := db.conn.ExecContext(ctx, query,
		conv.ID,
		conv.Prompt,
		conv.Response,
		string(conv.Status),
		conv.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by id
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, prompt, response, status, created_at
		FROM conversations
		WHERE id = $1
	`

	var conv models.Conversation
	var status string
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.Prompt,
		&conv.Response,
		&status,
		&conv.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	conv.Status = models.ConversationStatus(status)
	return &conv, nil
}

// ListConversations returns a page of conversations ordered by created_at
// descending, and the total number of stored conversations
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]models.Conversation, int, error) {
	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}

	query := `
		SELECT id, prompt, response, status, created_at
		FROM conversations
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := db.conn.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	convs := make([]models.Conversation, 0, limit)
	for rows.Next() {
		var conv models.Conversation
		var status string
		if err := rows.Scan(&conv.ID, &conv.Prompt, &conv.Response, &status, &conv.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("database error: %w", err)
		}
		conv.Status = models.ConversationStatus(status)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}

	return convs, total, nil
}
