package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
	"github.com/jwalitptl/palliative-api/internal/service/audit"
	"github.com/jwalitptl/palliative-api/internal/service/event"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/logger"
	"github.com/jwalitptl/palliative-api/pkg/metrics"
)

const engineName = "appointment"

type Service struct {
	tx       repository.TxManager
	repo     repository.AppointmentRepository
	auditor  *audit.Service
	events   event.Emitter
	logger   *logger.Logger
	metrics  *metrics.Metrics
	location *time.Location
	now      func() time.Time
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

// WithLocation sets the zone appointment wall-clock times are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.location = loc }
}

func NewService(
	tx repository.TxManager,
	repo repository.AppointmentRepository,
	auditor *audit.Service,
	events event.Emitter,
	opts ...Option,
) *Service {
	s := &Service{
		tx:       tx,
		repo:     repo,
		auditor:  auditor,
		events:   events,
		logger:   logger.Nop(),
		location: time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create books a visit. The status defaults to pending.
func (s *Service) Create(ctx context.Context, in model.AppointmentInput) (result *model.Appointment, err error) {
	defer s.observe("create", &err)

	switch {
	case in.SubjectID == nil:
		return nil, appErrors.Validation("subject_id is required")
	case in.Date == nil:
		return nil, appErrors.Validation("date is required")
	case in.Start == nil:
		return nil, appErrors.Validation("start is required")
	case in.End == nil:
		return nil, appErrors.Validation("end is required")
	}

	norm, err := Normalize(in)
	if err != nil {
		return nil, err
	}
	if *norm.SubjectID == "" {
		return nil, appErrors.Validation("subject_id is required")
	}

	now := s.now()
	apt := &model.Appointment{
		SubjectID: *norm.SubjectID,
		Date:      *norm.Date,
		Start:     *norm.Start,
		End:       *norm.End,
		Type:      *norm.Type,
		Place:     norm.Place,
		Address:   norm.Address,
		Status:    model.AppointmentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if norm.Status != nil {
		if !norm.Status.Valid() {
			return nil, appErrors.Validation("status must be pending, done or cancelled")
		}
		apt.Status = *norm.Status
	}
	if norm.Note != nil {
		apt.Note = *norm.Note
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.checkFree(ctx, apt); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, apt); err != nil {
			return s.writeError(err)
		}

		if err := s.auditor.Log(ctx, model.AuditActionCreate, model.AuditEntityAppointment, apt.Code, &audit.LogOptions{
			Changes: apt,
		}); err != nil {
			return fmt.Errorf("failed to audit appointment: %w", err)
		}
		return s.events.Emit(ctx, model.EventAppointmentCreated, apt.Code, s.eventPayload(apt, nil))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Appointment created", "code", apt.Code, "subject_id", apt.SubjectID)
	return apt, nil
}

// Update merges patch into the stored appointment, normalizes and re-checks
// the result, and writes only the columns that changed. updated_at is bumped
// even when nothing else changed. Done and cancelled appointments keep their
// status but their other fields stay editable.
func (s *Service) Update(ctx context.Context, ref string, patch model.AppointmentInput) (result *model.Appointment, err error) {
	defer s.observe("update", &err)

	id, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	var apt *model.Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.lock(ctx, id)
		if err != nil {
			return err
		}
		merged := merge(cur, patch)
		norm, err := Normalize(merged)
		if err != nil {
			return err
		}
		if *norm.SubjectID == "" {
			return appErrors.Validation("subject_id is required")
		}

		next := *cur
		next.SubjectID = *norm.SubjectID
		next.Date = *norm.Date
		next.Start = *norm.Start
		next.End = *norm.End
		next.Type = *norm.Type
		next.Place = norm.Place
		next.Address = norm.Address
		next.Note = *norm.Note
		if norm.Status != nil && *norm.Status != cur.Status {
			if !norm.Status.Valid() {
				return appErrors.Validation("status must be pending, done or cancelled")
			}
			if err := checkTransition(cur, *norm.Status); err != nil {
				return err
			}
			next.Status = *norm.Status
		}

		fields, changes := diff(cur, &next)
		if len(fields) > 0 {
			if err := s.checkFree(ctx, &next); err != nil {
				return err
			}
		}

		next.UpdatedAt = s.now()
		if err := s.repo.UpdateFields(ctx, id, fields, next.UpdatedAt); err != nil {
			return s.writeError(err)
		}
		apt = &next
		if len(fields) == 0 {
			return nil
		}

		if err := s.auditor.Log(ctx, model.AuditActionUpdate, model.AuditEntityAppointment, apt.Code, &audit.LogOptions{
			Changes: changes,
		}); err != nil {
			return fmt.Errorf("failed to audit appointment: %w", err)
		}
		return s.events.Emit(ctx, model.EventAppointmentUpdated, apt.Code, s.eventPayload(apt, changes))
	})
	if err != nil {
		return nil, err
	}
	return apt, nil
}

// TransitionStatus moves a pending appointment to done or cancelled. Done and
// cancelled are terminal.
func (s *Service) TransitionStatus(ctx context.Context, ref string, status model.AppointmentStatus) (result *model.Appointment, err error) {
	defer s.observe("transition", &err)

	id, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, appErrors.Validation("status must be pending, done or cancelled")
	}

	var apt *model.Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.lock(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(cur, status); err != nil {
			s.logger.Warn("Invalid appointment transition",
				"code", cur.Code, "from", string(cur.Status), "to", string(status))
			return err
		}

		now := s.now()
		if err := s.repo.UpdateFields(ctx, id, map[string]interface{}{repository.ColumnStatus: status}, now); err != nil {
			return s.writeError(err)
		}
		changes := map[string]model.FieldChange{"status": {From: cur.Status, To: status}}
		cur.Status = status
		cur.UpdatedAt = now
		apt = cur

		if err := s.auditor.Log(ctx, model.AuditActionTransition, model.AuditEntityAppointment, apt.Code, &audit.LogOptions{
			Changes: changes,
		}); err != nil {
			return fmt.Errorf("failed to audit appointment: %w", err)
		}
		return s.events.Emit(ctx, model.EventAppointmentStatusChanged, apt.Code, s.eventPayload(apt, changes))
	})
	if err != nil {
		return nil, err
	}
	return apt, nil
}

// Delete removes an appointment for good. It reports whether a row was
// removed; deleting a missing appointment is not an error.
func (s *Service) Delete(ctx context.Context, ref string) (deleted bool, err error) {
	defer s.observe("delete", &err)

	id, err := ParseRef(ref)
	if err != nil {
		return false, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		deleted, err = s.repo.Delete(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to delete appointment: %w", err)
		}
		if !deleted {
			return nil
		}
		code := model.FormatAppointmentCode(id)
		if err := s.auditor.Log(ctx, model.AuditActionDelete, model.AuditEntityAppointment, code, nil); err != nil {
			return fmt.Errorf("failed to audit appointment: %w", err)
		}
		return s.events.Emit(ctx, model.EventAppointmentDeleted, code, map[string]interface{}{"id": id, "code": code})
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *Service) Get(ctx context.Context, ref string) (*model.Appointment, error) {
	id, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	apt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return apt, nil
}

// List returns appointments needing attention first: pending, done, cancelled,
// each by date and start time.
func (s *Service) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	if filters != nil && filters.Status != "" && !filters.Status.Valid() {
		return nil, appErrors.Validation("status must be pending, done or cancelled")
	}
	appointments, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return appointments, nil
}

func (s *Service) lock(ctx context.Context, id int64) (*model.Appointment, error) {
	apt, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return apt, nil
}

// checkFree runs the subject overlap check for appointments that still hold their slot.
func (s *Service) checkFree(ctx context.Context, apt *model.Appointment) error {
	if apt.Status == model.AppointmentStatusCancelled {
		return nil
	}
	var exclude *int64
	if apt.ID != 0 {
		exclude = &apt.ID
	}
	busy, err := s.repo.HasOverlap(ctx, apt.SubjectID, apt.Date, apt.Start, apt.End, exclude)
	if err != nil {
		return fmt.Errorf("failed to check appointment overlap: %w", err)
	}
	if busy {
		return s.conflict(apt, nil)
	}
	return nil
}

func (s *Service) conflict(apt *model.Appointment, cause error) error {
	s.metrics.ObserveConflict(engineName)
	s.logger.Debug("Appointment conflict",
		"subject_id", apt.SubjectID, "date", apt.Date.String(), "start", apt.Start.String())
	return appErrors.Conflict(fmt.Sprintf("patient %s already has an appointment overlapping %s %s-%s",
		apt.SubjectID, apt.Date, apt.Start, apt.End), cause)
}

func (s *Service) writeError(err error) error {
	switch {
	case errors.Is(err, repository.ErrConflict):
		return appErrors.Conflict("appointment overlaps another appointment of the same patient", err)
	case errors.Is(err, repository.ErrInvalid):
		return appErrors.BadRequest("appointment violates a time or location constraint", err)
	case errors.Is(err, repository.ErrNotFound):
		return appErrors.NotFound("appointment", err)
	}
	return fmt.Errorf("failed to write appointment: %w", err)
}

func (s *Service) observe(op string, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
		if appErr, ok := appErrors.As(*err); ok {
			outcome = appErr.Code.String()
		}
	}
	s.metrics.ObserveOperation(engineName, op, outcome)
}

type appointmentEvent struct {
	*model.Appointment
	StartsAt time.Time                    `json:"starts_at"`
	EndsAt   time.Time                    `json:"ends_at"`
	Changes  map[string]model.FieldChange `json:"changes,omitempty"`
}

func (s *Service) eventPayload(apt *model.Appointment, changes map[string]model.FieldChange) appointmentEvent {
	return appointmentEvent{
		Appointment: apt,
		StartsAt:    apt.Date.At(apt.Start, s.location),
		EndsAt:      apt.Date.At(apt.End, s.location),
		Changes:     changes,
	}
}

func checkTransition(cur *model.Appointment, to model.AppointmentStatus) error {
	if cur.Status.IsTerminal() {
		return appErrors.InvalidTransition(fmt.Sprintf("appointment %s is %s and its status can no longer change", cur.Code, cur.Status))
	}
	if cur.Status == model.AppointmentStatusPending &&
		(to == model.AppointmentStatusDone || to == model.AppointmentStatusCancelled) {
		return nil
	}
	return appErrors.InvalidTransition(fmt.Sprintf("appointment %s cannot move from %s to %s", cur.Code, cur.Status, to))
}

func notFound(id int64, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return appErrors.NotFound("appointment "+model.FormatAppointmentCode(id), err)
	}
	return fmt.Errorf("failed to get appointment: %w", err)
}

// merge overlays patch on the stored row. A patch that gives an address
// without a type lets Normalize infer the type again.
func merge(cur *model.Appointment, patch model.AppointmentInput) model.AppointmentInput {
	subject := cur.SubjectID
	date := cur.Date
	start := cur.Start
	end := cur.End
	visitType := cur.Type
	status := cur.Status
	note := cur.Note

	merged := model.AppointmentInput{
		SubjectID: &subject,
		Date:      &date,
		Start:     &start,
		End:       &end,
		Type:      &visitType,
		Place:     cur.Place,
		Address:   cur.Address,
		Status:    &status,
		Note:      &note,
	}
	if patch.SubjectID != nil {
		merged.SubjectID = patch.SubjectID
	}
	if patch.Date != nil {
		merged.Date = patch.Date
	}
	if patch.Start != nil {
		merged.Start = patch.Start
	}
	if patch.End != nil {
		merged.End = patch.End
	}
	if patch.Place != nil {
		merged.Place = patch.Place
	}
	if patch.Address != nil {
		merged.Address = patch.Address
		merged.Type = nil
	}
	if patch.Type != nil {
		merged.Type = patch.Type
	}
	if patch.Status != nil {
		merged.Status = patch.Status
	}
	if patch.Note != nil {
		merged.Note = patch.Note
	}
	return merged
}

// diff lists the columns that differ between two versions of a row, keyed by
// column name, with the value to write and a before/after pair for the audit.
func diff(before, after *model.Appointment) (map[string]interface{}, map[string]model.FieldChange) {
	fields := map[string]interface{}{}
	changes := map[string]model.FieldChange{}
	set := func(col string, from, to interface{}) {
		fields[col] = to
		changes[col] = model.FieldChange{From: from, To: to}
	}

	if before.SubjectID != after.SubjectID {
		set(repository.ColumnSubjectID, before.SubjectID, after.SubjectID)
	}
	if before.Date != after.Date {
		set(repository.ColumnVisitDate, before.Date, after.Date)
	}
	if before.Start != after.Start {
		set(repository.ColumnStartTime, before.Start, after.Start)
	}
	if before.End != after.End {
		set(repository.ColumnEndTime, before.End, after.End)
	}
	if before.Type != after.Type {
		set(repository.ColumnVisitType, before.Type, after.Type)
	}
	if !equalPtr(before.Place, after.Place) {
		set(repository.ColumnPlace, before.Place, after.Place)
	}
	if !equalPtr(before.Address, after.Address) {
		set(repository.ColumnAddress, before.Address, after.Address)
	}
	if before.Status != after.Status {
		set(repository.ColumnStatus, before.Status, after.Status)
	}
	if before.Note != after.Note {
		set(repository.ColumnNote, before.Note, after.Note)
	}
	return fields, changes
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
