package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

type Service struct {
	repo repository.AuditRepository
}

func NewService(repo repository.AuditRepository) *Service {
	return &Service{repo: repo}
}

type LogOptions struct {
	Changes  interface{}
	Metadata interface{}
}

// Log writes an audit entry. Called with a transactional context, the entry
// commits or rolls back together with the change it describes.
func (s *Service) Log(ctx context.Context, action, entityType, entityID string, opts *LogOptions) error {
	if s == nil {
		return nil
	}
	var changes, metadata json.RawMessage
	var err error

	if opts != nil {
		if opts.Changes != nil {
			changes, err = json.Marshal(opts.Changes)
			if err != nil {
				return err
			}
		}
		if opts.Metadata != nil {
			metadata, err = json.Marshal(opts.Metadata)
			if err != nil {
				return err
			}
		}
	}

	log := &model.AuditLog{
		ID:         uuid.New(),
		ActorID:    ActorFromContext(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    changes,
		Metadata:   metadata,
		RequestID:  RequestIDFromContext(ctx),
		CreatedAt:  time.Now(),
	}

	return s.repo.Create(ctx, log)
}

func (s *Service) ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditLog, error) {
	return s.repo.ListByEntity(ctx, entityType, entityID)
}
