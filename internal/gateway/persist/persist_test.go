package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/logging"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

type failingStore struct {
	*database.MemoryDB
	err error
}

func (s *failingStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	return s.err
}

// ctxStore records whether the write context was already cancelled
type ctxStore struct {
	*database.MemoryDB
	ctxErr      error
	hasDeadline bool
}

func (s *ctxStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	s.ctxErr = ctx.Err()
	_, s.hasDeadline = ctx.Deadline()
	return s.MemoryDB.SaveConversation(ctx, conv)
}

func TestFinalize_WritesOneRecord(t *testing.T) {
	store := database.NewMemory()
	f := NewFinalizer(store, time.Second, logging.Discard())

	fz := f.Begin("Say hi")
	conv, err := fz.Finalize(context.Background(), "Hello world", models.StatusPartial)
	if err != nil {
		t.Fatalf("Finalize err=%v", err)
	}
	if conv.ID != fz.ID() || conv.Prompt != "Say hi" || conv.Response != "Hello world" || conv.Status != models.StatusPartial {
		t.Fatalf("conv=%+v", conv)
	}

	got, err := store.GetConversation(context.Background(), fz.ID())
	if err != nil {
		t.Fatalf("GetConversation err=%v", err)
	}
	if got.Response != "Hello world" || got.Status != models.StatusPartial {
		t.Fatalf("stored=%+v", got)
	}
}

func TestFinalize_SecondCallDoesNotWrite(t *testing.T) {
	store := database.NewMemory()
	fz := NewFinalizer(store, 0, logging.Discard()).Begin("p")

	if _, err := fz.Finalize(context.Background(), "a", models.StatusComplete); err != nil {
		t.Fatalf("first Finalize err=%v", err)
	}
	conv, err := fz.Finalize(context.Background(), "b", models.StatusPartial)
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("err=%v", err)
	}
	if conv == nil || conv.Response != "a" {
		t.Fatalf("conv=%+v", conv)
	}
	if store.Count() != 1 {
		t.Fatalf("count=%d", store.Count())
	}
}

func TestFinalize_ConcurrentCallsWriteOnce(t *testing.T) {
	store := database.NewMemory()
	fz := NewFinalizer(store, 0, logging.Discard()).Begin("p")

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fz.Finalize(context.Background(), "x", models.StatusComplete); err == nil {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firsts != 1 || store.Count() != 1 {
		t.Fatalf("firsts=%d count=%d", firsts, store.Count())
	}
}

func TestFinalize_StoreFailure(t *testing.T) {
	store := &failingStore{MemoryDB: database.NewMemory(), err: errors.New("disk full")}
	fz := NewFinalizer(store, 0, logging.Discard()).Begin("p")

	_, err := fz.Finalize(context.Background(), "x", models.StatusComplete)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err=%v", err)
	}
}

func TestFinalize_SurvivesCancelledRequest(t *testing.T) {
	store := &ctxStore{MemoryDB: database.NewMemory()}
	fz := NewFinalizer(store, time.Second, logging.Discard()).Begin("p")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fz.Finalize(ctx, "Hel", models.StatusPartial); err != nil {
		t.Fatalf("Finalize err=%v", err)
	}
	if store.ctxErr != nil || !store.hasDeadline {
		t.Fatalf("ctxErr=%v hasDeadline=%v", store.ctxErr, store.hasDeadline)
	}
	if store.Count() != 1 {
		t.Fatalf("count=%d", store.Count())
	}
}

func TestFinalize_EmptyFailedBeforeOutput(t *testing.T) {
	store := database.NewMemory()
	fz := NewFinalizer(store, 0, logging.Discard()).Begin("p")

	conv, err := fz.Finalize(context.Background(), "", models.StatusFailedBeforeOutput)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if conv.Response != "" || conv.Status != models.StatusFailedBeforeOutput {
		t.Fatalf("conv=%+v", conv)
	}
}

func TestFinalize_RejectsUnknownStatus(t *testing.T) {
	store := database.NewMemory()
	fz := NewFinalizer(store, 0, logging.Discard()).Begin("p")

	if _, err := fz.Finalize(context.Background(), "x", "weird"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err=%v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("count=%d", store.Count())
	}
}
