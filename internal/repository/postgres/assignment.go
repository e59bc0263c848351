package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

const assignmentColumns = `id, resource_id, subject_id, start_at, end_at, status, note,
	source_appointment_id, created_at, updated_at`

type assignmentRepository struct {
	BaseRepository
}

func NewAssignmentRepository(base BaseRepository) repository.AssignmentRepository {
	return &assignmentRepository{base}
}

func (r *assignmentRepository) Create(ctx context.Context, a *model.Assignment) error {
	query := `
		INSERT INTO bed_assignments (
			id, resource_id, subject_id, start_at, end_at, status, note,
			source_appointment_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	_, err := r.conn(ctx).ExecContext(ctx, query,
		a.ID,
		a.ResourceID,
		a.SubjectID,
		a.StartAt,
		a.EndAt,
		a.Status,
		a.Note,
		a.SourceAppointmentID,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", mapError(err))
	}
	return nil
}

func (r *assignmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	return r.getOne(ctx, `SELECT `+assignmentColumns+` FROM bed_assignments WHERE id = $1`, id)
}

func (r *assignmentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	return r.getOne(ctx, `SELECT `+assignmentColumns+` FROM bed_assignments WHERE id = $1 FOR UPDATE`, id)
}

func (r *assignmentRepository) getOne(ctx context.Context, query string, id uuid.UUID) (*model.Assignment, error) {
	var a model.Assignment
	if err := sqlx.GetContext(ctx, r.conn(ctx), &a, query, id); err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", mapError(err))
	}
	return &a, nil
}

func (r *assignmentRepository) Update(ctx context.Context, a *model.Assignment) error {
	query := `
		UPDATE bed_assignments
		SET end_at = $1, status = $2, note = $3, updated_at = $4
		WHERE id = $5
	`
	result, err := r.conn(ctx).ExecContext(ctx, query,
		a.EndAt,
		a.Status,
		a.Note,
		a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assignment: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// HasOverlap mirrors the bed_assignments_no_overlap exclusion constraint.
func (r *assignmentRepository) HasOverlap(ctx context.Context, resourceID uuid.UUID, start time.Time, end *time.Time, excludeID *uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM bed_assignments
			WHERE resource_id = $1
			AND status IN ('reserved', 'occupied')
			AND start_at < COALESCE($3::timestamptz, 'infinity'::timestamptz)
			AND COALESCE(end_at, 'infinity'::timestamptz) > $2
	`
	args := []interface{}{resourceID, start, end}

	if excludeID != nil {
		query += " AND id <> $4"
		args = append(args, *excludeID)
	}

	query += ")"

	var hasConflict bool
	if err := sqlx.GetContext(ctx, r.conn(ctx), &hasConflict, query, args...); err != nil {
		return false, fmt.Errorf("failed to check bed overlap: %w", err)
	}
	return hasConflict, nil
}

func (r *assignmentRepository) CountOpen(ctx context.Context, resourceID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM bed_assignments
		WHERE resource_id = $1
		AND status IN ('reserved', 'occupied')
	`
	var count int
	if err := sqlx.GetContext(ctx, r.conn(ctx), &count, query, resourceID); err != nil {
		return 0, fmt.Errorf("failed to count open assignments: %w", err)
	}
	return count, nil
}

// List returns history most recent first: open stays, then by end, then by start.
func (r *assignmentRepository) List(ctx context.Context, filters *model.AssignmentFilters) ([]*model.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM bed_assignments WHERE 1=1`
	var args []interface{}
	page := model.Pagination{}

	if filters != nil {
		if filters.ResourceID != nil {
			args = append(args, *filters.ResourceID)
			query += fmt.Sprintf(" AND resource_id = $%d", len(args))
		}
		if filters.SubjectID != "" {
			args = append(args, filters.SubjectID)
			query += fmt.Sprintf(" AND subject_id = $%d", len(args))
		}
		page = filters.Pagination
	}
	page = page.Normalize()

	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY end_at DESC NULLS FIRST, start_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	assignments := []*model.Assignment{}
	if err := sqlx.SelectContext(ctx, r.conn(ctx), &assignments, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}

func (r *assignmentRepository) ListCurrent(ctx context.Context) ([]*model.OccupancyRow, error) {
	query := `
		SELECT a.id, a.resource_id, a.subject_id, a.start_at, a.end_at, a.status, a.note,
			   a.source_appointment_id, a.created_at, a.updated_at,
			   r.code AS resource_code, r.category AS resource_category,
			   NULLIF(TRIM(CONCAT_WS(' ', p.first_name, p.last_name)), '') AS subject_name
		FROM bed_assignments a
		JOIN resources r ON r.id = a.resource_id
		LEFT JOIN subject_directory p ON p.id = a.subject_id
		WHERE a.status IN ('reserved', 'occupied')
		ORDER BY r.code ASC, a.start_at ASC
	`
	rows := []*model.OccupancyRow{}
	if err := sqlx.SelectContext(ctx, r.conn(ctx), &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list current occupancy: %w", err)
	}
	return rows, nil
}
