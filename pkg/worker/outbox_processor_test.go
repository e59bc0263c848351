package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository/memory"
)

type fakePublisher struct {
	mu        sync.Mutex
	fail      bool
	calls     int
	published []string
}

func (f *fakePublisher) PublishEvent(_ context.Context, event *model.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, event.EventType)
	return nil
}

func testConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		BatchSize:       10,
		PollInterval:    time.Second,
		RetryAttempts:   2,
		RetryDelay:      time.Minute,
		MaxRetries:      2,
		RetentionPeriod: time.Hour,
	}
}

func newProcessor(t *testing.T, store *memory.Store, pub EventPublisher) *OutboxProcessor {
	t.Helper()
	p, err := NewOutboxProcessor(store.TxManager(), store.Outbox(), pub, testConfig(), nil, nil)
	require.NoError(t, err)
	p.sleep = func(time.Duration) {}
	return p
}

func seed(t *testing.T, store *memory.Store, eventType string, createdAt time.Time) *model.OutboxEvent {
	t.Helper()
	e := &model.OutboxEvent{
		EventType:   eventType,
		AggregateID: "agg",
		Payload:     json.RawMessage(`{}`),
		CreatedAt:   createdAt,
	}
	require.NoError(t, store.Outbox().Create(context.Background(), e))
	return e
}

func TestNewOutboxProcessor_RejectsBadConfig(t *testing.T) {
	store := memory.NewStore()
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := NewOutboxProcessor(store.TxManager(), store.Outbox(), &fakePublisher{}, cfg, nil, nil)
	assert.Error(t, err)
}

func TestProcessBatch_PublishesInCreationOrder(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	seed(t, store, model.EventBedReleased, now.Add(-time.Minute))
	seed(t, store, model.EventBedOccupied, now.Add(-2*time.Minute))

	pub := &fakePublisher{}
	p := newProcessor(t, store, pub)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{model.EventBedOccupied, model.EventBedReleased}, pub.published)

	pending, err := store.Outbox().GetPendingEventsWithLock(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessBatch_RetriesThenFails(t *testing.T) {
	store := memory.NewStore()
	e := seed(t, store, model.EventAppointmentCreated, time.Now().Add(-time.Minute))

	pub := &fakePublisher{fail: true}
	p := newProcessor(t, store, pub)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, pub.calls)

	// The event is scheduled for a later retry, so it is not due yet.
	pending, err := store.Outbox().GetPendingEventsWithLock(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Make it due again and fail once more: it reaches MaxRetries.
	past := time.Now().Add(-time.Second)
	require.NoError(t, store.Outbox().UpdateStatus(context.Background(), e.ID, model.OutboxStatusRetry, nil, &past))
	_, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)

	pending, err = store.Outbox().GetPendingEventsWithLock(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed events are not picked up again")
}

func TestCleanup_RemovesOldProcessedEvents(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, model.EventBedOccupied, time.Now())
	p := newProcessor(t, store, &fakePublisher{})

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)

	n, err := p.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = p.Cleanup(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
