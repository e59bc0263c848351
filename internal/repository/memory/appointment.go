package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

type appointmentRepository struct {
	store *Store
}

func copyAppointment(a model.Appointment) model.Appointment {
	if a.Place != nil {
		place := *a.Place
		a.Place = &place
	}
	if a.Address != nil {
		addr := *a.Address
		a.Address = &addr
	}
	return a
}

// check applies the appointments constraints to a row about to be written.
func (r *appointmentRepository) check(a *model.Appointment) error {
	if a.Start >= a.End || !a.Status.Valid() || !a.Type.Valid() {
		return repository.ErrInvalid
	}
	if a.Type == model.VisitTypeHospital && (a.Address == nil || *a.Address == "") {
		return repository.ErrInvalid
	}
	if a.Type == model.VisitTypeHome && a.Address != nil {
		return repository.ErrInvalid
	}
	if a.Status == model.AppointmentStatusCancelled {
		return nil
	}
	if r.overlaps(a.SubjectID, a.Date, a.Start, a.End, &a.ID) {
		return repository.ErrConflict
	}
	return nil
}

func (r *appointmentRepository) overlaps(subjectID string, date model.Date, start, end model.ClockTime, excludeID *int64) bool {
	for _, other := range r.store.state.appointments {
		if excludeID != nil && other.ID == *excludeID {
			continue
		}
		if other.SubjectID != subjectID || other.Date != date || other.Status == model.AppointmentStatusCancelled {
			continue
		}
		if other.Start < end && start < other.End {
			return true
		}
	}
	return false
}

func (r *appointmentRepository) Create(ctx context.Context, apt *model.Appointment) error {
	defer r.store.lock(ctx)()
	st := r.store.state

	if apt.CreatedAt.IsZero() {
		apt.CreatedAt = time.Now()
	}
	if apt.UpdatedAt.IsZero() {
		apt.UpdatedAt = apt.CreatedAt
	}
	apt.ID = st.nextAppointmentID + 1
	if err := r.check(apt); err != nil {
		apt.ID = 0
		return err
	}
	st.nextAppointmentID = apt.ID
	apt.WithCode()
	st.appointments[apt.ID] = copyAppointment(*apt)
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id int64) (*model.Appointment, error) {
	defer r.store.lock(ctx)()
	apt, ok := r.store.state.appointments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	apt = copyAppointment(apt)
	return apt.WithCode(), nil
}

func (r *appointmentRepository) GetForUpdate(ctx context.Context, id int64) (*model.Appointment, error) {
	return r.Get(ctx, id)
}

func (r *appointmentRepository) UpdateFields(ctx context.Context, id int64, fields map[string]interface{}, updatedAt time.Time) error {
	defer r.store.lock(ctx)()

	current, ok := r.store.state.appointments[id]
	if !ok {
		return repository.ErrNotFound
	}
	apt := copyAppointment(current)
	for col, v := range fields {
		if err := setAppointmentColumn(&apt, col, v); err != nil {
			return err
		}
	}
	apt.UpdatedAt = updatedAt
	if err := r.check(&apt); err != nil {
		return err
	}
	r.store.state.appointments[id] = apt
	return nil
}

func setAppointmentColumn(apt *model.Appointment, col string, v interface{}) error {
	var ok bool
	switch col {
	case repository.ColumnSubjectID:
		apt.SubjectID, ok = v.(string)
	case repository.ColumnVisitDate:
		apt.Date, ok = v.(model.Date)
	case repository.ColumnStartTime:
		apt.Start, ok = v.(model.ClockTime)
	case repository.ColumnEndTime:
		apt.End, ok = v.(model.ClockTime)
	case repository.ColumnVisitType:
		apt.Type, ok = v.(model.VisitType)
	case repository.ColumnPlace:
		apt.Place, ok = v.(*string)
	case repository.ColumnAddress:
		apt.Address, ok = v.(*string)
	case repository.ColumnStatus:
		apt.Status, ok = v.(model.AppointmentStatus)
	case repository.ColumnNote:
		apt.Note, ok = v.(string)
	default:
		return fmt.Errorf("unknown appointment column %q", col)
	}
	if !ok {
		return fmt.Errorf("unexpected %T for appointment column %q", v, col)
	}
	return nil
}

func (r *appointmentRepository) Delete(ctx context.Context, id int64) (bool, error) {
	defer r.store.lock(ctx)()
	if _, ok := r.store.state.appointments[id]; !ok {
		return false, nil
	}
	delete(r.store.state.appointments, id)
	return true, nil
}

func (r *appointmentRepository) HasOverlap(ctx context.Context, subjectID string, date model.Date, start, end model.ClockTime, excludeID *int64) (bool, error) {
	defer r.store.lock(ctx)()
	return r.overlaps(subjectID, date, start, end, excludeID), nil
}

func (r *appointmentRepository) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	defer r.store.lock(ctx)()

	page := model.Pagination{}
	out := []*model.Appointment{}
	for _, apt := range r.store.state.appointments {
		if filters != nil {
			if filters.SubjectID != "" && apt.SubjectID != filters.SubjectID {
				continue
			}
			if filters.Status != "" && apt.Status != filters.Status {
				continue
			}
			if filters.From != nil && apt.Date.Before(*filters.From) {
				continue
			}
			if filters.To != nil && filters.To.Before(apt.Date) {
				continue
			}
		}
		c := copyAppointment(apt)
		out = append(out, c.WithCode())
	}
	if filters != nil {
		page = filters.Pagination
	}
	sort.Slice(out, func(i, j int) bool { return model.AttentionLess(out[i], out[j]) })
	return paginate(out, page.Normalize()), nil
}
