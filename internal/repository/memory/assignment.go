package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
	"github.com/jwalitptl/palliative-api/internal/schedule"
)

type assignmentRepository struct {
	store *Store
}

func copyAssignment(a model.Assignment) model.Assignment {
	if a.EndAt != nil {
		end := *a.EndAt
		a.EndAt = &end
	}
	if a.SourceAppointmentID != nil {
		id := *a.SourceAppointmentID
		a.SourceAppointmentID = &id
	}
	return a
}

func (r *assignmentRepository) openEntries() []schedule.Entry[uuid.UUID, uuid.UUID] {
	var entries []schedule.Entry[uuid.UUID, uuid.UUID]
	for _, a := range r.store.state.assignments {
		if !a.Status.IsOpen() {
			continue
		}
		entries = append(entries, schedule.Entry[uuid.UUID, uuid.UUID]{
			Key:      a.ResourceID,
			ID:       a.ID,
			Interval: schedule.NewInterval(a.StartAt, a.EndAt),
		})
	}
	return entries
}

// check applies the bed_assignments constraints to a row about to be written.
func (r *assignmentRepository) check(a *model.Assignment) error {
	if a.EndAt != nil && a.EndAt.Before(a.StartAt) {
		return repository.ErrInvalid
	}
	if a.Status == model.AssignmentStatusCompleted && a.EndAt == nil {
		return repository.ErrInvalid
	}
	if _, ok := r.store.state.resources[a.ResourceID]; !ok {
		return repository.ErrNotFound
	}
	if !a.Status.IsOpen() {
		return nil
	}
	if schedule.HasOverlap(r.openEntries(), a.ResourceID, schedule.NewInterval(a.StartAt, a.EndAt), &a.ID) {
		return repository.ErrConflict
	}
	return nil
}

func (r *assignmentRepository) Create(ctx context.Context, a *model.Assignment) error {
	defer r.store.lock(ctx)()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if err := r.check(a); err != nil {
		return err
	}
	r.store.state.assignments[a.ID] = copyAssignment(*a)
	return nil
}

func (r *assignmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	defer r.store.lock(ctx)()
	a, ok := r.store.state.assignments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	a = copyAssignment(a)
	return &a, nil
}

func (r *assignmentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	return r.Get(ctx, id)
}

func (r *assignmentRepository) Update(ctx context.Context, a *model.Assignment) error {
	defer r.store.lock(ctx)()

	current, ok := r.store.state.assignments[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	current.EndAt = a.EndAt
	current.Status = a.Status
	current.Note = a.Note
	current.UpdatedAt = a.UpdatedAt
	if err := r.check(&current); err != nil {
		return err
	}
	r.store.state.assignments[a.ID] = copyAssignment(current)
	return nil
}

func (r *assignmentRepository) HasOverlap(ctx context.Context, resourceID uuid.UUID, start time.Time, end *time.Time, excludeID *uuid.UUID) (bool, error) {
	defer r.store.lock(ctx)()
	return schedule.HasOverlap(r.openEntries(), resourceID, schedule.NewInterval(start, end), excludeID), nil
}

func (r *assignmentRepository) CountOpen(ctx context.Context, resourceID uuid.UUID) (int, error) {
	defer r.store.lock(ctx)()
	count := 0
	for _, a := range r.store.state.assignments {
		if a.ResourceID == resourceID && a.Status.IsOpen() {
			count++
		}
	}
	return count, nil
}

func (r *assignmentRepository) List(ctx context.Context, filters *model.AssignmentFilters) ([]*model.Assignment, error) {
	defer r.store.lock(ctx)()

	page := model.Pagination{}
	out := []*model.Assignment{}
	for _, a := range r.store.state.assignments {
		if filters != nil {
			if filters.ResourceID != nil && a.ResourceID != *filters.ResourceID {
				continue
			}
			if filters.SubjectID != "" && a.SubjectID != filters.SubjectID {
				continue
			}
		}
		c := copyAssignment(a)
		out = append(out, &c)
	}
	if filters != nil {
		page = filters.Pagination
	}
	sort.Slice(out, func(i, j int) bool { return model.HistoryLess(out[i], out[j]) })
	return paginate(out, page.Normalize()), nil
}

func (r *assignmentRepository) ListCurrent(ctx context.Context) ([]*model.OccupancyRow, error) {
	defer r.store.lock(ctx)()
	st := r.store.state

	rows := []*model.OccupancyRow{}
	for _, a := range st.assignments {
		if !a.Status.IsOpen() {
			continue
		}
		res := st.resources[a.ResourceID]
		row := &model.OccupancyRow{
			Assignment:       copyAssignment(a),
			ResourceCode:     res.Code,
			ResourceCategory: res.Category,
		}
		if p, ok := st.patients[a.SubjectID]; ok {
			name := strings.TrimSpace(p.firstName + " " + p.lastName)
			if name != "" {
				row.SubjectName = &name
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ResourceCode != rows[j].ResourceCode {
			return rows[i].ResourceCode < rows[j].ResourceCode
		}
		return rows[i].StartAt.Before(rows[j].StartAt)
	})
	return rows, nil
}

func paginate[T any](items []T, page model.Pagination) []T {
	if page.Offset >= len(items) {
		return items[:0]
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}
