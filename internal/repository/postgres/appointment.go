package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

const appointmentColumns = `id, subject_id, visit_date, start_time, end_time, visit_type,
	place, address, status, note, created_at, updated_at`

// attentionOrder sorts pending first, then done, cancelled and anything else.
const attentionOrder = `
	ORDER BY CASE status
		WHEN 'pending' THEN 1
		WHEN 'done' THEN 2
		WHEN 'cancelled' THEN 3
		ELSE 4
	END, visit_date ASC, start_time ASC, id ASC`

type appointmentRepository struct {
	BaseRepository
}

func NewAppointmentRepository(base BaseRepository) repository.AppointmentRepository {
	return &appointmentRepository{base}
}

func (r *appointmentRepository) Create(ctx context.Context, apt *model.Appointment) error {
	query := `
		INSERT INTO appointments (
			subject_id, visit_date, start_time, end_time, visit_type,
			place, address, status, note, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	if apt.CreatedAt.IsZero() {
		apt.CreatedAt = time.Now()
	}
	if apt.UpdatedAt.IsZero() {
		apt.UpdatedAt = apt.CreatedAt
	}

	err := r.conn(ctx).QueryRowxContext(ctx, query,
		apt.SubjectID,
		apt.Date,
		apt.Start,
		apt.End,
		apt.Type,
		apt.Place,
		apt.Address,
		apt.Status,
		apt.Note,
		apt.CreatedAt,
		apt.UpdatedAt,
	).Scan(&apt.ID)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", mapError(err))
	}
	apt.WithCode()
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id int64) (*model.Appointment, error) {
	return r.getOne(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
}

func (r *appointmentRepository) GetForUpdate(ctx context.Context, id int64) (*model.Appointment, error) {
	return r.getOne(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
}

func (r *appointmentRepository) getOne(ctx context.Context, query string, id int64) (*model.Appointment, error) {
	var apt model.Appointment
	if err := sqlx.GetContext(ctx, r.conn(ctx), &apt, query, id); err != nil {
		return nil, fmt.Errorf("failed to get appointment: %w", mapError(err))
	}
	return apt.WithCode(), nil
}

func (r *appointmentRepository) UpdateFields(ctx context.Context, id int64, fields map[string]interface{}, updatedAt time.Time) error {
	var sets []string
	var args []interface{}

	for _, col := range repository.AppointmentColumns {
		v, ok := fields[col]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	for col := range fields {
		if !isAppointmentColumn(col) {
			return fmt.Errorf("unknown appointment column %q", col)
		}
	}

	args = append(args, updatedAt)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf("UPDATE appointments SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update appointment: %w", mapError(err))
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

func isAppointmentColumn(col string) bool {
	for _, c := range repository.AppointmentColumns {
		if c == col {
			return true
		}
	}
	return false
}

func (r *appointmentRepository) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete appointment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// HasOverlap mirrors the appointments_no_overlap exclusion constraint.
func (r *appointmentRepository) HasOverlap(ctx context.Context, subjectID string, date model.Date, start, end model.ClockTime, excludeID *int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE subject_id = $1
			AND visit_date = $2
			AND status <> 'cancelled'
			AND start_time < $4
			AND end_time > $3
	`
	args := []interface{}{subjectID, date, start, end}

	if excludeID != nil {
		query += " AND id <> $5"
		args = append(args, *excludeID)
	}

	query += ")"

	var hasConflict bool
	if err := sqlx.GetContext(ctx, r.conn(ctx), &hasConflict, query, args...); err != nil {
		return false, fmt.Errorf("failed to check appointment overlap: %w", err)
	}
	return hasConflict, nil
}

func (r *appointmentRepository) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`
	var args []interface{}
	page := model.Pagination{}

	if filters != nil {
		if filters.SubjectID != "" {
			args = append(args, filters.SubjectID)
			query += fmt.Sprintf(" AND subject_id = $%d", len(args))
		}
		if filters.Status != "" {
			args = append(args, filters.Status)
			query += fmt.Sprintf(" AND status = $%d", len(args))
		}
		if filters.From != nil {
			args = append(args, *filters.From)
			query += fmt.Sprintf(" AND visit_date >= $%d", len(args))
		}
		if filters.To != nil {
			args = append(args, *filters.To)
			query += fmt.Sprintf(" AND visit_date <= $%d", len(args))
		}
		page = filters.Pagination
	}
	page = page.Normalize()

	args = append(args, page.Limit, page.Offset)
	query += attentionOrder + fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	appointments := []*model.Appointment{}
	if err := sqlx.SelectContext(ctx, r.conn(ctx), &appointments, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	for _, apt := range appointments {
		apt.WithCode()
	}
	return appointments, nil
}
