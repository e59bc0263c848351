package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

type outboxRepository struct {
	store *Store
}

func (r *outboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}
	defer r.store.lock(ctx)()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.UpdatedAt = event.CreatedAt
	event.Status = model.OutboxStatusPending

	stored := *event
	stored.Payload = append([]byte(nil), event.Payload...)
	r.store.state.outbox[event.ID] = stored
	return nil
}

func (r *outboxRepository) GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	defer r.store.lock(ctx)()

	now := time.Now()
	events := []*model.OutboxEvent{}
	for _, e := range r.store.state.outbox {
		if e.Status != model.OutboxStatusPending && e.Status != model.OutboxStatusRetry {
			continue
		}
		if e.RetryAt != nil && e.RetryAt.After(now) {
			continue
		}
		e := e
		events = append(events, &e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *outboxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error {
	defer r.store.lock(ctx)()

	e, ok := r.store.state.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	e.Status = status
	e.ErrorMessage = errorMessage
	e.RetryAt = retryAt
	if status == model.OutboxStatusRetry {
		e.RetryCount++
	}
	if status == model.OutboxStatusProcessed {
		e.ProcessedAt = &now
	}
	e.UpdatedAt = now
	r.store.state.outbox[id] = e
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	defer r.store.lock(ctx)()

	var n int64
	for id, e := range r.store.state.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(r.store.state.outbox, id)
			n++
		}
	}
	return n, nil
}
