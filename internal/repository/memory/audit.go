package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
)

type auditRepository struct {
	store *Store
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	defer r.store.lock(ctx)()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	r.store.state.audit = append(r.store.state.audit, *log)
	return nil
}

func (r *auditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditLog, error) {
	defer r.store.lock(ctx)()

	logs := []*model.AuditLog{}
	for i := len(r.store.state.audit) - 1; i >= 0; i-- {
		l := r.store.state.audit[i]
		if l.EntityType == entityType && l.EntityID == entityID {
			logs = append(logs, &l)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	return logs, nil
}

func (r *auditRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	defer r.store.lock(ctx)()

	kept := r.store.state.audit[:0]
	var removed int64
	for _, l := range r.store.state.audit {
		if l.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.store.state.audit = kept
	return removed, nil
}
