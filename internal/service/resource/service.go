// Package resource is the bed catalog: creation, lookup by id or code, and
// the retire/reactivate lifecycle.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
	"github.com/jwalitptl/palliative-api/internal/service/audit"
	"github.com/jwalitptl/palliative-api/internal/service/event"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/logger"
)

type Service struct {
	tx          repository.TxManager
	repo        repository.ResourceRepository
	assignments repository.AssignmentRepository
	auditor     *audit.Service
	events      event.Emitter
	logger      *logger.Logger
	now         func() time.Time
}

func NewService(
	tx repository.TxManager,
	repo repository.ResourceRepository,
	assignments repository.AssignmentRepository,
	auditor *audit.Service,
	events event.Emitter,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		tx:          tx,
		repo:        repo,
		assignments: assignments,
		auditor:     auditor,
		events:      events,
		logger:      log,
		now:         time.Now,
	}
}

func (s *Service) Create(ctx context.Context, req *model.CreateResourceRequest) (*model.Resource, error) {
	code := strings.TrimSpace(req.Code)
	category := strings.TrimSpace(req.Category)
	if code == "" {
		return nil, appErrors.Validation("code is required")
	}
	if category == "" {
		return nil, appErrors.Validation("category is required")
	}
	if _, err := uuid.Parse(code); err == nil {
		return nil, appErrors.Validation("code must not look like an id")
	}

	res := &model.Resource{
		Base:     model.Base{ID: uuid.New(), CreatedAt: s.now()},
		Code:     code,
		Category: category,
		Active:   true,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, res); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return appErrors.Conflict(fmt.Sprintf("bed %s already exists", code), err)
			}
			return fmt.Errorf("failed to create resource: %w", err)
		}
		if err := s.auditor.Log(ctx, model.AuditActionCreate, model.AuditEntityResource, res.ID.String(), &audit.LogOptions{
			Changes: res,
		}); err != nil {
			return fmt.Errorf("failed to audit resource: %w", err)
		}
		return s.events.Emit(ctx, model.EventResourceCreated, res.ID.String(), res)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Bed created", "resource_id", res.ID.String(), "code", res.Code)
	return res, nil
}

// Get resolves ref as an id first and as a code otherwise.
func (s *Service) Get(ctx context.Context, ref string) (*model.Resource, error) {
	return Lookup(ctx, s.repo, ref, LockNone)
}

func (s *Service) List(ctx context.Context, filters *model.ResourceFilters) ([]*model.Resource, error) {
	resources, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return resources, nil
}

// Retire takes a bed out of service. It fails while any reserved or occupied
// stay remains on it.
func (s *Service) Retire(ctx context.Context, ref string) (*model.Resource, error) {
	var res *model.Resource
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = Lookup(ctx, s.repo, ref, LockUpdate)
		if err != nil {
			return err
		}
		if !res.Active {
			return nil
		}

		open, err := s.assignments.CountOpen(ctx, res.ID)
		if err != nil {
			return fmt.Errorf("failed to count open stays: %w", err)
		}
		if open > 0 {
			s.logger.Warn("Refusing to retire occupied bed", "resource_id", res.ID.String(), "open", open)
			return appErrors.InvalidTransition(fmt.Sprintf("bed %s has %d open stay(s)", res.Code, open))
		}

		return s.setActive(ctx, res, false, model.AuditActionRetire, model.EventResourceRetired)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reactivate returns a retired bed to service.
func (s *Service) Reactivate(ctx context.Context, ref string) (*model.Resource, error) {
	var res *model.Resource
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = Lookup(ctx, s.repo, ref, LockUpdate)
		if err != nil {
			return err
		}
		if res.Active {
			return nil
		}
		return s.setActive(ctx, res, true, model.AuditActionReactivate, model.EventResourceReactivated)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) setActive(ctx context.Context, res *model.Resource, active bool, action, eventType string) error {
	now := s.now()
	if err := s.repo.SetActive(ctx, res.ID, active, now); err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	res.Active = active
	res.UpdatedAt = now

	if err := s.auditor.Log(ctx, action, model.AuditEntityResource, res.ID.String(), &audit.LogOptions{
		Changes: map[string]model.FieldChange{"active": {From: !active, To: active}},
	}); err != nil {
		return fmt.Errorf("failed to audit resource: %w", err)
	}
	return s.events.Emit(ctx, eventType, res.ID.String(), res)
}
