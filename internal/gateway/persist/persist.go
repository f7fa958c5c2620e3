// Package persist writes exactly one conversation record per admitted request.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

var (
	// ErrPersistence wraps any store failure while finalizing
	ErrPersistence = errors.New("persistence failed")
	// ErrAlreadyFinalized is returned by every Finalize call after the first
	ErrAlreadyFinalized = errors.New("conversation already finalized")
)

// Finalizer creates Finalizations against a store
type Finalizer struct {
	store   database.Store
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewFinalizer creates a finalizer. timeout bounds each store write; zero
// means no extra bound.
func NewFinalizer(store database.Store, timeout time.Duration, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:   store,
		timeout: timeout,
		logger:  logger.With("component", "persist"),
		now:     time.Now,
	}
}

// Begin starts tracking one admitted request. The record is written when
// Finalize is called, and only then.
func (f *Finalizer) Begin(prompt string) *Finalization {
	return &Finalization{
		f:         f,
		id:        uuid.NewString(),
		prompt:    prompt,
		createdAt: f.now().UTC(),
	}
}

// Finalization is the write-once persistence obligation of a single request
type Finalization struct {
	f         *Finalizer
	id        string
	prompt    string
	createdAt time.Time

	once sync.Once
	conv *models.Conversation
	err  error
}

// ID is the id the record is stored under
func (fz *Finalization) ID() string { return fz.id }

// Finalize stores the record with the given response text and status. The
// write is detached from ctx cancellation so a client that went away cannot
// abort it. Only the first call writes; later calls return ErrAlreadyFinalized.
func (fz *Finalization) Finalize(ctx context.Context, response string, status models.ConversationStatus) (*models.Conversation, error) {
	called := false
	fz.once.Do(func() {
		called = true
		fz.conv, fz.err = fz.f.write(ctx, &models.Conversation{
			ID:        fz.id,
			Prompt:    fz.prompt,
			Response:  response,
			Status:    status,
			CreatedAt: fz.createdAt,
		})
	})
	if !called {
		return fz.conv, ErrAlreadyFinalized
	}
	return fz.conv, fz.err
}

func (f *Finalizer) write(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	if !conv.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrPersistence, conv.Status)
	}

	wctx := context.WithoutCancel(ctx)
	if f.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := f.store.SaveConversation(wctx, conv); err != nil {
		f.logger.Error("failed to persist conversation",
			"conversation_id", conv.ID,
			"status", conv.Status,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	f.logger.Debug("conversation persisted",
		"conversation_id", conv.ID,
		"status", conv.Status,
		"response_bytes", len(conv.Response),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return conv, nil
}
