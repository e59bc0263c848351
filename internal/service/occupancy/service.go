// Package occupancy assigns patients to beds over time. Every mutation runs in
// one transaction, and the storage exclusion constraint is the final word on
// overlapping stays.
package occupancy

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
	"github.com/jwalitptl/palliative-api/internal/service/resource"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/logger"
	"github.com/jwalitptl/palliative-api/pkg/metrics"
)

const engineName = "occupancy"

// OccupyInput describes a new stay. Nil StartAt means now; nil EndAt leaves the stay open.
type OccupyInput struct {
	ResourceRef         string
	SubjectID           string
	StartAt             *time.Time
	EndAt               *time.Time
	Note                *string
	SourceAppointmentID *int64
}

type TransferInput struct {
	ToResourceRef string
	At            *time.Time
	Note          *string
}

type Service struct {
	tx           repository.TxManager
	resources    repository.ResourceRepository
	assignments  repository.AssignmentRepository
	appointments repository.AppointmentRepository
	auditor      *audit.Service
	events       event.Emitter
	logger       *logger.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	tx repository.TxManager,
	resources repository.ResourceRepository,
	assignments repository.AssignmentRepository,
	appointments repository.AppointmentRepository,
	auditor *audit.Service,
	events event.Emitter,
	opts ...Option,
) *Service {
	s := &Service{
		tx:           tx,
		resources:    resources,
		assignments:  assignments,
		appointments: appointments,
		auditor:      auditor,
		events:       events,
		logger:       logger.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Occupy books a bed for a patient. A stay starting now or earlier is
// occupied, a later one reserved, and a stay whose end has already passed is
// recorded as completed.
func (s *Service) Occupy(ctx context.Context, in OccupyInput) (result *model.Assignment, err error) {
	defer s.observe("occupy", &err)

	subject := strings.TrimSpace(in.SubjectID)
	if subject == "" {
		return nil, appErrors.Validation("subject is required")
	}

	now := s.now()
	start := now
	if in.StartAt != nil {
		start = *in.StartAt
	}
	var end *time.Time
	if in.EndAt != nil {
		e := *in.EndAt
		if !e.After(start) {
			return nil, appErrors.Validation("end must be after start")
		}
		end = &e
	}

	a := &model.Assignment{
		Base:                model.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		SubjectID:           subject,
		StartAt:             start,
		EndAt:               end,
		Status:              deriveStatus(start, end, now),
		SourceAppointmentID: in.SourceAppointmentID,
	}
	if in.Note != nil {
		a.AppendNote(*in.Note)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		res, err := s.activeResource(ctx, in.ResourceRef)
		if err != nil {
			return err
		}
		a.ResourceID = res.ID

		if a.SourceAppointmentID != nil {
			if _, err := s.appointments.Get(ctx, *a.SourceAppointmentID); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return appErrors.NotFound("appointment "+model.FormatAppointmentCode(*a.SourceAppointmentID), err)
				}
				return fmt.Errorf("failed to get source appointment: %w", err)
			}
		}

		if err := s.checkFree(ctx, res, a.StartAt, a.EndAt); err != nil {
			return err
		}
		if err := s.assignments.Create(ctx, a); err != nil {
			return s.writeError(res, err)
		}

		if err := s.auditor.Log(ctx, model.AuditActionOccupy, model.AuditEntityAssignment, a.ID.String(), &audit.LogOptions{
			Changes:  a,
			Metadata: map[string]interface{}{"resource_code": res.Code},
		}); err != nil {
			return fmt.Errorf("failed to audit stay: %w", err)
		}
		return s.events.Emit(ctx, model.EventBedOccupied, a.ID.String(), stayEvent{
			Assignment:   a,
			ResourceCode: res.Code,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Bed occupied",
		"assignment_id", a.ID.String(),
		"resource_id", a.ResourceID.String(),
		"subject_id", a.SubjectID,
		"status", string(a.Status))
	return a, nil
}

// End closes a reserved or occupied stay at the given time, default now.
func (s *Service) End(ctx context.Context, id uuid.UUID, at *time.Time, reason *string) (result *model.Assignment, err error) {
	defer s.observe("end", &err)

	now := s.now()
	endAt := now
	if at != nil {
		endAt = *at
	}
	if endAt.After(now) {
		return nil, appErrors.Validation("end time cannot be in the future")
	}

	var a *model.Assignment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.lockAssignment(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.IsOpen() {
			return s.invalidTransition(a, "end")
		}
		if endAt.Before(a.StartAt) {
			return appErrors.Validation("end time precedes the start of the stay")
		}

		a.EndAt = &endAt
		a.Status = model.AssignmentStatusCompleted
		if reason != nil {
			a.AppendNote(*reason)
		}
		a.UpdatedAt = now
		if err := s.assignments.Update(ctx, a); err != nil {
			return s.writeError(nil, err)
		}

		if err := s.auditor.Log(ctx, model.AuditActionEnd, model.AuditEntityAssignment, a.ID.String(), &audit.LogOptions{
			Changes: map[string]interface{}{"end_at": endAt, "status": a.Status},
		}); err != nil {
			return fmt.Errorf("failed to audit stay: %w", err)
		}
		return s.events.Emit(ctx, model.EventBedReleased, a.ID.String(), stayEvent{Assignment: a})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel voids a stay. Cancelling an already cancelled stay returns it unchanged.
// A completed stay cannot be cancelled and yields an InvalidTransition error.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (result *model.Assignment, err error) {
	defer s.observe("cancel", &err)

	now := s.now()
	var a *model.Assignment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.lockAssignment(ctx, id)
		if err != nil {
			return err
		}
		switch a.Status {
		case model.AssignmentStatusCancelled:
			return nil
		case model.AssignmentStatusCompleted:
			return s.invalidTransition(a, "cancel")
		}

		a.Status = model.AssignmentStatusCancelled
		if a.EndAt == nil {
			// A reservation cancelled before it starts ends where it began.
			endAt := now
			if endAt.Before(a.StartAt) {
				endAt = a.StartAt
			}
			a.EndAt = &endAt
		}
		a.UpdatedAt = now
		if err := s.assignments.Update(ctx, a); err != nil {
			return s.writeError(nil, err)
		}

		if err := s.auditor.Log(ctx, model.AuditActionCancel, model.AuditEntityAssignment, a.ID.String(), &audit.LogOptions{
			Changes: map[string]interface{}{"end_at": a.EndAt, "status": a.Status},
		}); err != nil {
			return fmt.Errorf("failed to audit stay: %w", err)
		}
		return s.events.Emit(ctx, model.EventBedCancelled, a.ID.String(), stayEvent{Assignment: a})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Transfer closes the stay at the given time and opens an occupied, open-ended
// stay on the destination bed for the same patient. Either both happen or neither.
func (s *Service) Transfer(ctx context.Context, id uuid.UUID, in TransferInput) (result *model.Assignment, err error) {
	defer s.observe("transfer", &err)

	now := s.now()
	at := now
	if in.At != nil {
		at = *in.At
	}
	if at.After(now) {
		return nil, appErrors.Validation("transfer time cannot be in the future")
	}

	var next *model.Assignment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		src, err := s.lockAssignment(ctx, id)
		if err != nil {
			return err
		}
		if !src.Status.IsOpen() {
			return s.invalidTransition(src, "transfer")
		}
		if at.Before(src.StartAt) {
			return appErrors.Validation("transfer time precedes the start of the stay")
		}

		dest, err := s.activeResource(ctx, in.ToResourceRef)
		if err != nil {
			return err
		}

		src.EndAt = &at
		src.Status = model.AssignmentStatusCompleted
		src.AppendNote(fmt.Sprintf("[transfer → %s @ %s]", dest.Code, at.UTC().Format(time.RFC3339)))
		if in.Note != nil {
			src.AppendNote(*in.Note)
		}
		src.UpdatedAt = now
		if err := s.assignments.Update(ctx, src); err != nil {
			return s.writeError(nil, err)
		}

		if err := s.checkFree(ctx, dest, at, nil); err != nil {
			return err
		}

		next = &model.Assignment{
			Base:                model.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
			ResourceID:          dest.ID,
			SubjectID:           src.SubjectID,
			StartAt:             at,
			Status:              model.AssignmentStatusOccupied,
			SourceAppointmentID: src.SourceAppointmentID,
		}
		if in.Note != nil {
			next.AppendNote(*in.Note)
		}
		if err := s.assignments.Create(ctx, next); err != nil {
			return s.writeError(dest, err)
		}

		if err := s.auditor.Log(ctx, model.AuditActionTransfer, model.AuditEntityAssignment, src.ID.String(), &audit.LogOptions{
			Changes:  map[string]interface{}{"end_at": at, "status": src.Status},
			Metadata: map[string]interface{}{"to_assignment_id": next.ID, "to_resource_code": dest.Code},
		}); err != nil {
			return fmt.Errorf("failed to audit stay: %w", err)
		}
		if err := s.auditor.Log(ctx, model.AuditActionOccupy, model.AuditEntityAssignment, next.ID.String(), &audit.LogOptions{
			Changes:  next,
			Metadata: map[string]interface{}{"from_assignment_id": src.ID},
		}); err != nil {
			return fmt.Errorf("failed to audit stay: %w", err)
		}
		return s.events.Emit(ctx, model.EventBedTransferred, next.ID.String(), transferEvent{
			From:         src,
			To:           next,
			ResourceCode: dest.Code,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Patient transferred",
		"from_assignment_id", id.String(),
		"to_assignment_id", next.ID.String(),
		"resource_id", next.ResourceID.String())
	return next, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	a, err := s.assignments.Get(ctx, id)
	if err != nil {
		return nil, assignmentNotFound(id, err)
	}
	return a, nil
}

// HistoryByResource lists every stay on a bed, most recent first.
func (s *Service) HistoryByResource(ctx context.Context, ref string, page model.Pagination) ([]*model.Assignment, error) {
	res, err := resource.Lookup(ctx, s.resources, ref, resource.LockNone)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, &model.AssignmentFilters{ResourceID: &res.ID, Pagination: page})
}

// HistoryBySubject lists every stay of a patient, most recent first.
func (s *Service) HistoryBySubject(ctx context.Context, subjectID string, page model.Pagination) ([]*model.Assignment, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, appErrors.Validation("subject is required")
	}
	return s.list(ctx, &model.AssignmentFilters{SubjectID: subjectID, Pagination: page})
}

// CurrentOccupancy lists reserved and occupied stays with their bed and
// patient. Rows are selected by status, not by comparing times with now.
func (s *Service) CurrentOccupancy(ctx context.Context) ([]*model.OccupancyRow, error) {
	rows, err := s.assignments.ListCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list current occupancy: %w", err)
	}
	return rows, nil
}

func (s *Service) list(ctx context.Context, filters *model.AssignmentFilters) ([]*model.Assignment, error) {
	stays, err := s.assignments.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list stays: %w", err)
	}
	return stays, nil
}

func (s *Service) activeResource(ctx context.Context, ref string) (*model.Resource, error) {
	res, err := resource.Lookup(ctx, s.resources, ref, resource.LockShare)
	if err != nil {
		return nil, err
	}
	if !res.Active {
		return nil, &appErrors.AppError{
			Code:    appErrors.ErrNotFound,
			Message: fmt.Sprintf("bed %s is retired", res.Code),
		}
	}
	return res, nil
}

func (s *Service) lockAssignment(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	a, err := s.assignments.GetForUpdate(ctx, id)
	if err != nil {
		return nil, assignmentNotFound(id, err)
	}
	return a, nil
}

// checkFree turns an overlap into a readable conflict before the insert hits
// the exclusion constraint.
func (s *Service) checkFree(ctx context.Context, res *model.Resource, start time.Time, end *time.Time) error {
	busy, err := s.assignments.HasOverlap(ctx, res.ID, start, end, nil)
	if err != nil {
		return fmt.Errorf("failed to check bed availability: %w", err)
	}
	if busy {
		return s.conflict(res, nil)
	}
	return nil
}

func (s *Service) conflict(res *model.Resource, cause error) error {
	s.metrics.ObserveConflict(engineName)
	code := "bed"
	if res != nil {
		code = "bed " + res.Code
	}
	s.logger.Debug("Bed conflict", "resource", code)
	return appErrors.Conflict(code+" is already booked for that window", cause)
}

func (s *Service) writeError(res *model.Resource, err error) error {
	switch {
	case errors.Is(err, repository.ErrConflict):
		return s.conflict(res, err)
	case errors.Is(err, repository.ErrInvalid):
		return appErrors.BadRequest("stay violates a time constraint", err)
	case errors.Is(err, repository.ErrNotFound):
		return appErrors.NotFound("bed", err)
	}
	return fmt.Errorf("failed to write stay: %w", err)
}

func (s *Service) invalidTransition(a *model.Assignment, op string) error {
	s.logger.Warn("Invalid stay transition",
		"assignment_id", a.ID.String(),
		"status", string(a.Status),
		"operation", op)
	return appErrors.InvalidTransition(fmt.Sprintf("cannot %s a %s stay", op, a.Status))
}

func (s *Service) observe(op string, err *error) {
	s.metrics.ObserveOperation(engineName, op, outcome(*err))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr, ok := appErrors.As(err); ok {
		return appErr.Code.String()
	}
	return "error"
}

func assignmentNotFound(id uuid.UUID, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return appErrors.NotFound("assignment "+id.String(), err)
	}
	return fmt.Errorf("failed to get assignment: %w", err)
}

func deriveStatus(start time.Time, end *time.Time, now time.Time) model.AssignmentStatus {
	switch {
	case end != nil && !end.After(now):
		return model.AssignmentStatusCompleted
	case !start.After(now):
		return model.AssignmentStatusOccupied
	default:
		return model.AssignmentStatusReserved
	}
}

type stayEvent struct {
	*model.Assignment
	ResourceCode string `json:"resource_code,omitempty"`
}

type transferEvent struct {
	From         *model.Assignment `json:"from"`
	To           *model.Assignment `json:"to"`
	ResourceCode string            `json:"resource_code"`
}
