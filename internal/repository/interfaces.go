package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates an exclusion or uniqueness rule.
	ErrConflict = errors.New("conflicting record")
	// ErrInvalid is returned when a write violates a check constraint.
	ErrInvalid = errors.New("invalid record")
)

// All repository interfaces in one file
type (
	// TxManager runs fn in one transaction carried by the context handed to fn.
	// Repository calls made with that context join the transaction.
	TxManager interface {
		WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	}

	ResourceRepository interface {
		Create(ctx context.Context, resource *model.Resource) error
		Get(ctx context.Context, id uuid.UUID) (*model.Resource, error)
		GetByCode(ctx context.Context, code string) (*model.Resource, error)
		// GetForShare blocks concurrent retirement until the transaction ends.
		GetForShare(ctx context.Context, id uuid.UUID) (*model.Resource, error)
		GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Resource, error)
		SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
		List(ctx context.Context, filters *model.ResourceFilters) ([]*model.Resource, error)
	}

	AssignmentRepository interface {
		Create(ctx context.Context, assignment *model.Assignment) error
		Get(ctx context.Context, id uuid.UUID) (*model.Assignment, error)
		GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Assignment, error)
		// Update persists end, status, note and updated_at.
		Update(ctx context.Context, assignment *model.Assignment) error
		HasOverlap(ctx context.Context, resourceID uuid.UUID, start time.Time, end *time.Time, excludeID *uuid.UUID) (bool, error)
		CountOpen(ctx context.Context, resourceID uuid.UUID) (int, error)
		List(ctx context.Context, filters *model.AssignmentFilters) ([]*model.Assignment, error)
		ListCurrent(ctx context.Context) ([]*model.OccupancyRow, error)
	}

	AppointmentRepository interface {
		Create(ctx context.Context, appointment *model.Appointment) error
		Get(ctx context.Context, id int64) (*model.Appointment, error)
		GetForUpdate(ctx context.Context, id int64) (*model.Appointment, error)
		// UpdateFields writes only the given columns plus updated_at.
		UpdateFields(ctx context.Context, id int64, fields map[string]interface{}, updatedAt time.Time) error
		Delete(ctx context.Context, id int64) (bool, error)
		HasOverlap(ctx context.Context, subjectID string, date model.Date, start, end model.ClockTime, excludeID *int64) (bool, error)
		List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		// GetPendingEventsWithLock must be called inside WithinTx.
		GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
		ListByEntity(ctx context.Context, entityType, entityID string) ([]*model.AuditLog, error)
		// Cleanup removes entries created before the cutoff and reports how many went.
		Cleanup(ctx context.Context, before time.Time) (int64, error)
	}
)

// Appointment columns accepted by UpdateFields.
const (
	ColumnSubjectID = "subject_id"
	ColumnVisitDate = "visit_date"
	ColumnStartTime = "start_time"
	ColumnEndTime   = "end_time"
	ColumnVisitType = "visit_type"
	ColumnPlace     = "place"
	ColumnAddress   = "address"
	ColumnStatus    = "status"
	ColumnNote      = "note"
)

// AppointmentColumns is the whitelist and canonical order for UpdateFields.
var AppointmentColumns = []string{
	ColumnSubjectID, ColumnVisitDate, ColumnStartTime, ColumnEndTime,
	ColumnVisitType, ColumnPlace, ColumnAddress, ColumnStatus, ColumnNote,
}
