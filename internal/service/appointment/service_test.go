package appointment

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository/memory"
	"github.com/jwalitptl/palliative-api/internal/service/audit"
	"github.com/jwalitptl/palliative-api/internal/service/event"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
)

type fixture struct {
	store *memory.Store
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{store: store, now: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)}
	f.svc = NewService(store.TxManager(), store.Appointments(),
		audit.NewService(store.Audit()), event.NewEventService(store.Outbox()),
		WithClock(func() time.Time { return f.now }))
	return f
}

func date(s string) *model.Date {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func clock(s string) *model.ClockTime {
	c, err := model.ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return &c
}

func input(subject, day, start, end string) model.AppointmentInput {
	return model.AppointmentInput{
		SubjectID: ptr(subject),
		Date:      date(day),
		Start:     clock(start),
		End:       clock(end),
	}
}

func assertCode(t *testing.T, err error, code appErrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := appErrors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, code, appErr.Code, appErr.Message)
}

func TestCreate_OverlapIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, input("P-5", "2025-03-01", "09:00", "09:30"))
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusPending, first.Status)
	assert.Equal(t, model.VisitTypeHome, first.Type)
	assert.Equal(t, "APT000001", first.Code)

	second := input("P-5", "2025-03-01", "09:15", "09:45")
	second.Type = ptr(model.VisitTypeHospital)
	second.Address = ptr("City Hosp")
	_, err = f.svc.Create(ctx, second)
	assertCode(t, err, appErrors.ErrConflict)

	// Back-to-back is fine, and other patients are independent.
	_, err = f.svc.Create(ctx, input("P-5", "2025-03-01", "09:30", "10:00"))
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, input("P-9", "2025-03-01", "09:15", "09:45"))
	require.NoError(t, err)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hospital := input("P-6", "2025-03-01", "09:00", "10:00")
	hospital.Type = ptr(model.VisitTypeHospital)
	hospital.Address = ptr("")
	_, err := f.svc.Create(ctx, hospital)
	assertCode(t, err, appErrors.ErrBadRequest)
	assert.Equal(t, "address required", err.Error())

	_, err = f.svc.Create(ctx, input("P-6", "2025-03-01", "10:00", "09:00"))
	assertCode(t, err, appErrors.ErrBadRequest)

	missing := input("P-6", "2025-03-01", "09:00", "10:00")
	missing.Date = nil
	_, err = f.svc.Create(ctx, missing)
	assertCode(t, err, appErrors.ErrBadRequest)

	_, err = f.svc.Create(ctx, input("  ", "2025-03-01", "09:00", "10:00"))
	assertCode(t, err, appErrors.ErrBadRequest)

	bad := input("P-6", "2025-03-01", "09:00", "10:00")
	bad.Status = ptr(model.AppointmentStatus("lost"))
	_, err = f.svc.Create(ctx, bad)
	assertCode(t, err, appErrors.ErrBadRequest)
}

func TestCreate_CancelledDoesNotHoldSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)
	_, err = f.svc.TransitionStatus(ctx, first.Code, model.AppointmentStatusCancelled)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	apt, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)
	other, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "11:00", "12:00"))
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	updated, err := f.svc.Update(ctx, apt.Code, model.AppointmentInput{
		Start:   clock("09:30"),
		End:     clock("10:30"),
		Address: ptr("General Hospital"),
	})
	require.NoError(t, err)
	assert.Equal(t, *clock("09:30"), updated.Start)
	assert.Equal(t, model.VisitTypeHospital, updated.Type, "an address alone switches the visit to hospital")
	require.NotNil(t, updated.Address)
	assert.Equal(t, "General Hospital", *updated.Address)
	assert.True(t, updated.UpdatedAt.Equal(f.now))

	stored, err := f.svc.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, updated.Start, stored.Start)
	assert.Equal(t, model.VisitTypeHospital, stored.Type)

	// Moving onto the other appointment conflicts and leaves the row alone.
	_, err = f.svc.Update(ctx, apt.Code, model.AppointmentInput{Start: clock("10:45"), End: clock("11:15")})
	assertCode(t, err, appErrors.ErrConflict)
	unchanged, err := f.svc.Get(ctx, apt.Code)
	require.NoError(t, err)
	assert.Equal(t, *clock("09:30"), unchanged.Start)

	// Re-validation runs on the merged state.
	_, err = f.svc.Update(ctx, apt.Code, model.AppointmentInput{Start: clock("11:00")})
	assertCode(t, err, appErrors.ErrBadRequest)
	_, err = f.svc.Update(ctx, apt.Code, model.AppointmentInput{Type: ptr(model.VisitTypeHospital), Address: ptr("  ")})
	assertCode(t, err, appErrors.ErrBadRequest)

	// Switching back to home drops the address.
	home, err := f.svc.Update(ctx, apt.Code, model.AppointmentInput{Type: ptr(model.VisitTypeHome), Place: ptr("garden")})
	require.NoError(t, err)
	assert.Nil(t, home.Address)
	require.NotNil(t, home.Place)
	assert.Equal(t, "garden", *home.Place)

	_, err = f.svc.Update(ctx, "APT000099", model.AppointmentInput{Note: ptr("x")})
	assertCode(t, err, appErrors.ErrNotFound)
	_, err = f.svc.Update(ctx, "nonsense", model.AppointmentInput{})
	assertCode(t, err, appErrors.ErrBadRequest)

	_ = other
}

func TestUpdate_NoOpBumpsUpdatedAtOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	apt, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	same, err := f.svc.Update(ctx, apt.Code, model.AppointmentInput{Start: clock("09:00")})
	require.NoError(t, err)
	assert.True(t, same.UpdatedAt.Equal(f.now))
	assert.Equal(t, apt.Start, same.Start)

	logs, err := f.svc.auditor.ListByEntity(ctx, model.AuditEntityAppointment, apt.Code)
	require.NoError(t, err)
	require.Len(t, logs, 1, "a no-op update is not audited")
	assert.Equal(t, model.AuditActionCreate, logs[0].Action)
}

func TestUpdate_AuditsFieldDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	apt, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, apt.Code, model.AppointmentInput{Note: ptr("bring morphine chart")})
	require.NoError(t, err)

	logs, err := f.svc.auditor.ListByEntity(ctx, model.AuditEntityAppointment, apt.Code)
	require.NoError(t, err)
	var update *model.AuditLog
	for _, l := range logs {
		if l.Action == model.AuditActionUpdate {
			update = l
		}
	}
	require.NotNil(t, update)

	var changes map[string]model.FieldChange
	require.NoError(t, json.Unmarshal(update.Changes, &changes))
	assert.Len(t, changes, 1)
	assert.Equal(t, "", changes["note"].From)
	assert.Equal(t, "bring morphine chart", changes["note"].To)
}

func TestTransitionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, input("P-1", "2025-03-02", "09:00", "10:00"))
	require.NoError(t, err)

	done, err := f.svc.TransitionStatus(ctx, a.Code, model.AppointmentStatusDone)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusDone, done.Status)

	cancelled, err := f.svc.TransitionStatus(ctx, "apt000002", model.AppointmentStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCancelled, cancelled.Status)

	// Terminal states stay terminal.
	for _, ref := range []string{a.Code, b.Code} {
		for _, to := range []model.AppointmentStatus{
			model.AppointmentStatusPending, model.AppointmentStatusDone, model.AppointmentStatusCancelled,
		} {
			_, err := f.svc.TransitionStatus(ctx, ref, to)
			assertCode(t, err, appErrors.ErrInvalidTransition)
		}
	}

	// Non-status fields of a terminal appointment stay editable.
	edited, err := f.svc.Update(ctx, a.Code, model.AppointmentInput{Note: ptr("late edit")})
	require.NoError(t, err)
	assert.Equal(t, "late edit", edited.Note)
	assert.Equal(t, model.AppointmentStatusDone, edited.Status)

	stored, err := f.svc.Get(ctx, a.Code)
	require.NoError(t, err)
	assert.Equal(t, "late edit", stored.Note)
	assert.Equal(t, model.AppointmentStatusDone, stored.Status)

	moved, err := f.svc.Update(ctx, b.Code, model.AppointmentInput{Start: ptr(model.NewClockTime(11, 0)), End: ptr(model.NewClockTime(12, 0))})
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCancelled, moved.Status)

	// A patch cannot bring the status back.
	for _, ref := range []string{a.Code, b.Code} {
		_, err := f.svc.Update(ctx, ref, model.AppointmentInput{Status: ptr(model.AppointmentStatusPending)})
		assertCode(t, err, appErrors.ErrInvalidTransition)
	}
	stored, err = f.svc.Get(ctx, b.Code)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCancelled, stored.Status)

	_, err = f.svc.TransitionStatus(ctx, a.Code, model.AppointmentStatus("archived"))
	assertCode(t, err, appErrors.ErrBadRequest)
	_, err = f.svc.TransitionStatus(ctx, "APT000404", model.AppointmentStatusDone)
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestDelete_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	apt, err := f.svc.Create(ctx, input("P-1", "2025-03-01", "09:00", "10:00"))
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, apt.Code)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.svc.Delete(ctx, apt.Code)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = f.svc.Get(ctx, apt.Code)
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestList_AttentionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mk := func(day, start string) *model.Appointment {
		apt, err := f.svc.Create(ctx, input("P-1", day, start, start[:3]+"59"))
		require.NoError(t, err)
		return apt
	}
	done := mk("2025-03-01", "08:00")
	late := mk("2025-03-03", "09:00")
	early := mk("2025-03-02", "10:00")
	earlier := mk("2025-03-02", "09:00")
	cancelled := mk("2025-02-01", "09:00")

	_, err := f.svc.TransitionStatus(ctx, done.Code, model.AppointmentStatusDone)
	require.NoError(t, err)
	_, err = f.svc.TransitionStatus(ctx, cancelled.Code, model.AppointmentStatusCancelled)
	require.NoError(t, err)

	list, err := f.svc.List(ctx, &model.AppointmentFilters{SubjectID: "P-1"})
	require.NoError(t, err)

	var got []int64
	for _, a := range list {
		got = append(got, a.ID)
	}
	assert.Equal(t, []int64{earlier.ID, early.ID, late.ID, done.ID, cancelled.ID}, got)

	pending, err := f.svc.List(ctx, &model.AppointmentFilters{Status: model.AppointmentStatusPending, From: date("2025-03-02"), To: date("2025-03-02")})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = f.svc.List(ctx, &model.AppointmentFilters{Status: "weird"})
	assertCode(t, err, appErrors.ErrBadRequest)
}

// Random create/update/transition sequences must never leave two live
// appointments of one patient overlapping on the same day.
func TestRandomOperationsKeepSubjectsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	subjects := []string{"P-1", "P-2"}
	days := []string{"2025-03-01", "2025-03-02"}
	var refs []string

	slot := func() (*model.ClockTime, *model.ClockTime) {
		start := model.ClockTime(rng.Intn(20) * 30)
		end := start + model.ClockTime(15+rng.Intn(4)*30)
		return &start, &end
	}

	for i := 0; i < 300; i++ {
		var err error
		switch op := rng.Intn(6); {
		case op < 3 || len(refs) == 0:
			start, end := slot()
			var apt *model.Appointment
			apt, err = f.svc.Create(ctx, model.AppointmentInput{
				SubjectID: ptr(subjects[rng.Intn(len(subjects))]),
				Date:      date(days[rng.Intn(len(days))]),
				Start:     start,
				End:       end,
			})
			if err == nil {
				refs = append(refs, apt.Code)
			}
		case op < 5:
			start, end := slot()
			_, err = f.svc.Update(ctx, refs[rng.Intn(len(refs))], model.AppointmentInput{Start: start, End: end})
		default:
			to := model.AppointmentStatusDone
			if rng.Intn(2) == 0 {
				to = model.AppointmentStatusCancelled
			}
			_, err = f.svc.TransitionStatus(ctx, refs[rng.Intn(len(refs))], to)
		}
		if err != nil {
			_, isApp := appErrors.As(err)
			require.True(t, isApp, "unexpected error %v", err)
		}
	}

	all, err := f.svc.List(ctx, &model.AppointmentFilters{Pagination: model.Pagination{Limit: model.MaxPageSize}})
	require.NoError(t, err)
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.Status == model.AppointmentStatusCancelled || b.Status == model.AppointmentStatusCancelled {
				continue
			}
			if a.SubjectID != b.SubjectID || a.Date != b.Date {
				continue
			}
			assert.False(t, a.Start < b.End && b.Start < a.End, "%s and %s overlap", a.Code, b.Code)
		}
	}
}
