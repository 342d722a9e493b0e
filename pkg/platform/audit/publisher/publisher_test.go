package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	id "docseal/pkg/domain"
	audit "docseal/pkg/platform/audit"
	"docseal/pkg/platform/audit/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Append(context.Context, audit.Event) error {
	return errors.New("outbox unavailable")
}

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	envelopeID := id.NewEnvelopeID()
	err := pub.Emit(context.Background(), audit.Event{
		EnvelopeID: envelopeID,
		Action:     string(audit.EventDocumentIssued),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), envelopeID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventDocumentIssued), events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
}

func TestPublisher_SyncModeFailsClosed(t *testing.T) {
	pub := NewPublisher(failingStore{})
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{Action: string(audit.EventDocumentIssued)})
	require.Error(t, err)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	envelopeID := id.NewEnvelopeID()
	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			EnvelopeID: envelopeID,
			Action:     string(audit.EventDocumentVerificationFailed),
		})
		require.NoError(t, err)
	}

	require.NoError(t, pub.Close())

	events, err := store.ListByEnvelope(context.Background(), envelopeID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_BufferFull_DoesNotBlock(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{Action: string(audit.EventAnchorPending)})
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithClock(func() time.Time { return fixed }))
	defer pub.Close()

	envelopeID := id.NewEnvelopeID()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		EnvelopeID: envelopeID,
		Action:     string(audit.EventDocumentVerified),
	}))

	events, err := pub.List(context.Background(), envelopeID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fixed, events[0].Timestamp)
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	envelopeID := id.NewEnvelopeID()
	custom := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		EnvelopeID: envelopeID,
		Action:     string(audit.EventDocumentIssued),
		Timestamp:  custom,
	}))

	events, err := pub.List(context.Background(), envelopeID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, custom, events[0].Timestamp)
}

func TestPublisher_CategoryIgnoresCaller(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		Category: audit.CategoryOperations,
		Action:   string(audit.EventDocumentVerificationFailed),
	}))

	events, err := store.ListByAction(context.Background(), audit.EventDocumentVerificationFailed)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}
