package occupancy

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository/memory"
	"github.com/jwalitptl/palliative-api/internal/schedule"
	"github.com/jwalitptl/palliative-api/internal/service/audit"
	"github.com/jwalitptl/palliative-api/internal/service/event"
	"github.com/jwalitptl/palliative-api/internal/service/resource"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
)

type fixture struct {
	t         *testing.T
	store     *memory.Store
	svc       *Service
	resources *resource.Service
	now       time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{t: t, store: store, now: now}
	auditor := audit.NewService(store.Audit())
	events := event.NewEventService(store.Outbox())

	f.resources = resource.NewService(store.TxManager(), store.Resources(), store.Assignments(), auditor, events, nil)
	f.svc = NewService(store.TxManager(), store.Resources(), store.Assignments(), store.Appointments(), auditor, events,
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) bed(code string) *model.Resource {
	f.t.Helper()
	res, err := f.resources.Create(context.Background(), &model.CreateResourceRequest{Code: code, Category: "LTC"})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) occupy(bed, subject string, start time.Time, end *time.Time) (*model.Assignment, error) {
	return f.svc.Occupy(context.Background(), OccupyInput{
		ResourceRef: bed,
		SubjectID:   subject,
		StartAt:     &start,
		EndAt:       end,
	})
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func assertCode(t *testing.T, err error, code appErrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := appErrors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, code, appErr.Code, appErr.Message)
}

func TestOccupy_OpenEndedConflict(t *testing.T) {
	f := newFixture(t, at("2025-01-01T12:00:00Z"))
	f.bed("B-01")

	first, err := f.occupy("B-01", "P-1", at("2025-01-01T08:00:00Z"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusOccupied, first.Status)
	assert.Nil(t, first.EndAt)

	_, err = f.occupy("B-01", "P-2", at("2025-01-01T09:00:00Z"), nil)
	assertCode(t, err, appErrors.ErrConflict)
}

func TestOccupy_AdjacentWindowsDoNotConflict(t *testing.T) {
	f := newFixture(t, at("2024-12-31T00:00:00Z"))
	f.bed("B-02")

	a, err := f.occupy("B-02", "P-3", at("2025-01-01T10:00:00Z"), ptr(at("2025-01-01T12:00:00Z")))
	require.NoError(t, err)
	b, err := f.occupy("B-02", "P-4", at("2025-01-01T12:00:00Z"), ptr(at("2025-01-01T14:00:00Z")))
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusReserved, a.Status)
	assert.Equal(t, model.AssignmentStatusReserved, b.Status)

	_, err = f.occupy("B-02", "P-5", at("2025-01-01T11:00:00Z"), ptr(at("2025-01-01T13:00:00Z")))
	assertCode(t, err, appErrors.ErrConflict)
}

func TestOccupy_DerivedStatus(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")
	f.bed("B-02")
	f.bed("B-03")

	past, err := f.occupy("B-01", "P-1", now.Add(-time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusOccupied, past.Status)

	future, err := f.occupy("B-02", "P-2", now.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusReserved, future.Status)

	done, err := f.occupy("B-03", "P-3", now.Add(-3*time.Hour), ptr(now.Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusCompleted, done.Status)

	defaulted, err := f.svc.Occupy(context.Background(), OccupyInput{ResourceRef: "B-03", SubjectID: "P-4"})
	require.NoError(t, err)
	assert.True(t, defaulted.StartAt.Equal(now))
	assert.Equal(t, model.AssignmentStatusOccupied, defaulted.Status)
}

func TestOccupy_Validation(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")

	_, err := f.occupy("B-01", " ", now, nil)
	assertCode(t, err, appErrors.ErrBadRequest)

	_, err = f.occupy("B-01", "P-1", now, ptr(now))
	assertCode(t, err, appErrors.ErrBadRequest)

	_, err = f.occupy("NOPE", "P-1", now, nil)
	assertCode(t, err, appErrors.ErrNotFound)

	_, err = f.svc.Occupy(context.Background(), OccupyInput{
		ResourceRef:         "B-01",
		SubjectID:           "P-1",
		SourceAppointmentID: ptr(int64(42)),
	})
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Contains(t, err.Error(), "APT000042")
}

func TestOccupy_ByIDAndRetiredBed(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	bed := f.bed("B-01")

	a, err := f.occupy(bed.ID.String(), "P-1", now.Add(-time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, bed.ID, a.ResourceID)

	_, err = f.resources.Retire(context.Background(), "B-01")
	assertCode(t, err, appErrors.ErrInvalidTransition)

	_, err = f.svc.End(context.Background(), a.ID, nil, nil)
	require.NoError(t, err)

	retired, err := f.resources.Retire(context.Background(), "B-01")
	require.NoError(t, err)
	assert.False(t, retired.Active)

	_, err = f.occupy("B-01", "P-2", now, nil)
	assertCode(t, err, appErrors.ErrNotFound)
	assert.Contains(t, err.Error(), "retired")

	_, err = f.resources.Reactivate(context.Background(), "B-01")
	require.NoError(t, err)
	_, err = f.occupy("B-01", "P-2", now, nil)
	require.NoError(t, err)
}

func TestEnd(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")

	a, err := f.svc.Occupy(context.Background(), OccupyInput{
		ResourceRef: "B-01",
		SubjectID:   "P-1",
		StartAt:     ptr(now.Add(-48 * time.Hour)),
		Note:        ptr("admitted"),
	})
	require.NoError(t, err)

	_, err = f.svc.End(context.Background(), a.ID, ptr(now.Add(time.Minute)), nil)
	assertCode(t, err, appErrors.ErrBadRequest)

	_, err = f.svc.End(context.Background(), a.ID, ptr(now.Add(-72*time.Hour)), nil)
	assertCode(t, err, appErrors.ErrBadRequest)

	ended, err := f.svc.End(context.Background(), a.ID, ptr(now.Add(-time.Hour)), ptr("discharged home"))
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusCompleted, ended.Status)
	require.NotNil(t, ended.EndAt)
	assert.True(t, ended.EndAt.Equal(now.Add(-time.Hour)))
	assert.Equal(t, "admitted\ndischarged home", ended.Note)

	// The bed is free again from the end of the stay.
	_, err = f.occupy("B-01", "P-2", now.Add(-time.Hour), nil)
	require.NoError(t, err)

	_, err = f.svc.End(context.Background(), uuid.New(), nil, nil)
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestCancel_Idempotent(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")

	a, err := f.occupy("B-01", "P-1", now.Add(-time.Hour), nil)
	require.NoError(t, err)

	first, err := f.svc.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusCancelled, first.Status)
	require.NotNil(t, first.EndAt)
	assert.True(t, first.EndAt.Equal(now))

	f.now = now.Add(time.Hour)
	second, err := f.svc.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.EndAt.Equal(*second.EndAt))
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	logs, err := f.store.Audit().ListByEntity(context.Background(), model.AuditEntityAssignment, a.ID.String())
	require.NoError(t, err)
	cancels := 0
	for _, l := range logs {
		if l.Action == model.AuditActionCancel {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestCancel_FutureReservationKeepsValidWindow(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")

	a, err := f.occupy("B-01", "P-1", now.Add(24*time.Hour), nil)
	require.NoError(t, err)
	require.Equal(t, model.AssignmentStatusReserved, a.Status)

	cancelled, err := f.svc.Cancel(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled.EndAt)
	assert.False(t, cancelled.EndAt.Before(cancelled.StartAt))

	// The slot is released.
	_, err = f.occupy("B-01", "P-2", now.Add(24*time.Hour), nil)
	require.NoError(t, err)
}

func TestTerminalStaysAreImmutable(t *testing.T) {
	now := at("2025-01-01T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")
	f.bed("B-02")

	ended, err := f.occupy("B-01", "P-1", now.Add(-2*time.Hour), nil)
	require.NoError(t, err)
	_, err = f.svc.End(context.Background(), ended.ID, nil, nil)
	require.NoError(t, err)

	cancelled, err := f.occupy("B-02", "P-2", now.Add(-2*time.Hour), nil)
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), cancelled.ID)
	require.NoError(t, err)

	_, err = f.svc.End(context.Background(), ended.ID, nil, nil)
	assertCode(t, err, appErrors.ErrInvalidTransition)
	_, err = f.svc.Cancel(context.Background(), ended.ID)
	assertCode(t, err, appErrors.ErrInvalidTransition)
	_, err = f.svc.Transfer(context.Background(), ended.ID, TransferInput{ToResourceRef: "B-02"})
	assertCode(t, err, appErrors.ErrInvalidTransition)

	_, err = f.svc.End(context.Background(), cancelled.ID, nil, nil)
	assertCode(t, err, appErrors.ErrInvalidTransition)
	_, err = f.svc.Transfer(context.Background(), cancelled.ID, TransferInput{ToResourceRef: "B-01"})
	assertCode(t, err, appErrors.ErrInvalidTransition)
}

func TestTransfer(t *testing.T) {
	now := at("2025-01-02T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")
	dest := f.bed("B-02")

	apt := &model.Appointment{
		SubjectID: "P-1",
		Date:      model.DateOf(now),
		Start:     model.NewClockTime(9, 0),
		End:       model.NewClockTime(9, 30),
		Type:      model.VisitTypeHome,
		Status:    model.AppointmentStatusDone,
	}
	require.NoError(t, f.store.Appointments().Create(context.Background(), apt))

	src, err := f.svc.Occupy(context.Background(), OccupyInput{
		ResourceRef:         "B-01",
		SubjectID:           "P-1",
		StartAt:             ptr(now.Add(-24 * time.Hour)),
		SourceAppointmentID: &apt.ID,
	})
	require.NoError(t, err)

	moveAt := now.Add(-time.Hour)
	next, err := f.svc.Transfer(context.Background(), src.ID, TransferInput{
		ToResourceRef: "B-02",
		At:            &moveAt,
		Note:          ptr("closer to nursing station"),
	})
	require.NoError(t, err)

	assert.Equal(t, dest.ID, next.ResourceID)
	assert.Equal(t, "P-1", next.SubjectID)
	assert.Equal(t, model.AssignmentStatusOccupied, next.Status)
	assert.Nil(t, next.EndAt)
	assert.True(t, next.StartAt.Equal(moveAt))
	require.NotNil(t, next.SourceAppointmentID)
	assert.Equal(t, apt.ID, *next.SourceAppointmentID)

	closed, err := f.svc.Get(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusCompleted, closed.Status)
	require.NotNil(t, closed.EndAt)
	assert.True(t, closed.EndAt.Equal(moveAt))
	assert.True(t, strings.HasPrefix(closed.Note, "[transfer → B-02 @ 2025-01-02T11:00:00Z]"))
	assert.Contains(t, closed.Note, "closer to nursing station")

	events, err := f.store.Outbox().GetPendingEventsWithLock(context.Background(), 100)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, model.EventBedTransferred)
}

func TestTransfer_ConflictRollsBack(t *testing.T) {
	now := at("2025-01-02T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-03")

	a1, err := f.occupy("B-03", "P-7", at("2025-01-01T08:00:00Z"), ptr(at("2025-01-03T08:00:00Z")))
	require.NoError(t, err)
	_, err = f.occupy("B-03", "P-8", at("2025-01-03T08:00:00Z"), nil)
	require.NoError(t, err)

	before, err := f.svc.Get(context.Background(), a1.ID)
	require.NoError(t, err)
	eventsBefore, err := f.store.Outbox().GetPendingEventsWithLock(context.Background(), 100)
	require.NoError(t, err)

	_, err = f.svc.Transfer(context.Background(), a1.ID, TransferInput{ToResourceRef: "B-03"})
	assertCode(t, err, appErrors.ErrConflict)

	after, err := f.svc.Get(context.Background(), a1.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	eventsAfter, err := f.store.Outbox().GetPendingEventsWithLock(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, eventsAfter, len(eventsBefore))

	history, err := f.svc.HistoryBySubject(context.Background(), "P-7", model.Pagination{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransfer_RetiredDestination(t *testing.T) {
	now := at("2025-01-02T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")
	f.bed("B-02")
	_, err := f.resources.Retire(context.Background(), "B-02")
	require.NoError(t, err)

	a, err := f.occupy("B-01", "P-1", now.Add(-time.Hour), nil)
	require.NoError(t, err)

	_, err = f.svc.Transfer(context.Background(), a.ID, TransferInput{ToResourceRef: "B-02"})
	assertCode(t, err, appErrors.ErrNotFound)

	still, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusOccupied, still.Status)
}

func TestHistoryAndCurrentOccupancy(t *testing.T) {
	now := at("2025-01-10T12:00:00Z")
	f := newFixture(t, now)
	f.bed("B-01")
	f.bed("B-02")
	f.store.AddPatient("P-1", "Ada", "Lovelace")

	old, err := f.occupy("B-01", "P-1", at("2025-01-01T08:00:00Z"), ptr(at("2025-01-03T08:00:00Z")))
	require.NoError(t, err)
	older, err := f.occupy("B-01", "P-2", at("2024-12-20T08:00:00Z"), ptr(at("2024-12-25T08:00:00Z")))
	require.NoError(t, err)
	open, err := f.occupy("B-01", "P-1", at("2025-01-05T08:00:00Z"), nil)
	require.NoError(t, err)
	reserved, err := f.occupy("B-02", "P-3", now.Add(24*time.Hour), nil)
	require.NoError(t, err)

	history, err := f.svc.HistoryByResource(context.Background(), "B-01", model.Pagination{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, open.ID, history[0].ID)
	assert.Equal(t, old.ID, history[1].ID)
	assert.Equal(t, older.ID, history[2].ID)

	bySubject, err := f.svc.HistoryBySubject(context.Background(), "P-1", model.Pagination{Limit: 1})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, open.ID, bySubject[0].ID)

	current, err := f.svc.CurrentOccupancy(context.Background())
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, open.ID, current[0].ID)
	assert.Equal(t, "B-01", current[0].ResourceCode)
	require.NotNil(t, current[0].SubjectName)
	assert.Equal(t, "Ada Lovelace", *current[0].SubjectName)

	assert.Equal(t, reserved.ID, current[1].ID)
	assert.Equal(t, "B-02", current[1].ResourceCode)
	assert.Equal(t, model.AssignmentStatusReserved, current[1].Status)
	assert.Nil(t, current[1].SubjectName)

	// Once its start has passed, the reservation is still listed as it was stored.
	f.now = now.Add(48 * time.Hour)
	current, err = f.svc.CurrentOccupancy(context.Background())
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, reserved.ID, current[1].ID)
	assert.Equal(t, model.AssignmentStatusReserved, current[1].Status)

	_, err = f.svc.Cancel(context.Background(), reserved.ID)
	require.NoError(t, err)
	current, err = f.svc.CurrentOccupancy(context.Background())
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, open.ID, current[0].ID)
}

// Random operation sequences must never leave two open stays overlapping on a bed.
func TestRandomOperationsKeepBedsExclusive(t *testing.T) {
	base := at("2025-01-01T00:00:00Z")
	now := base.Add(500 * time.Hour)
	f := newFixture(t, now)
	beds := []string{"B-01", "B-02", "B-03"}
	for _, b := range beds {
		f.bed(b)
	}

	rng := rand.New(rand.NewSource(7))
	var ids []uuid.UUID
	hour := func(n int) time.Time { return base.Add(time.Duration(n) * time.Hour) }

	for i := 0; i < 400; i++ {
		var err error
		switch op := rng.Intn(10); {
		case op < 5 || len(ids) == 0:
			start := rng.Intn(1000)
			var end *time.Time
			if rng.Intn(3) > 0 {
				end = ptr(hour(start + 1 + rng.Intn(48)))
			}
			var a *model.Assignment
			a, err = f.occupy(beds[rng.Intn(len(beds))], "P", hour(start), end)
			if err == nil {
				ids = append(ids, a.ID)
			}
		case op < 7:
			_, err = f.svc.End(context.Background(), ids[rng.Intn(len(ids))], ptr(hour(rng.Intn(500))), nil)
		case op < 8:
			_, err = f.svc.Cancel(context.Background(), ids[rng.Intn(len(ids))])
		default:
			var a *model.Assignment
			a, err = f.svc.Transfer(context.Background(), ids[rng.Intn(len(ids))], TransferInput{
				ToResourceRef: beds[rng.Intn(len(beds))],
				At:            ptr(hour(rng.Intn(500))),
			})
			if err == nil {
				ids = append(ids, a.ID)
			}
		}
		if err != nil {
			_, isApp := appErrors.As(err)
			require.True(t, isApp, "unexpected error %v", err)
		}
		assertExclusive(t, f)
	}
}

func assertExclusive(t *testing.T, f *fixture) {
	t.Helper()
	all, err := f.store.Assignments().List(context.Background(), &model.AssignmentFilters{
		Pagination: model.Pagination{Limit: model.MaxPageSize},
	})
	require.NoError(t, err)

	var open []*model.Assignment
	for _, a := range all {
		if a.Status.IsOpen() {
			open = append(open, a)
		}
	}
	for i := range open {
		for j := i + 1; j < len(open); j++ {
			a, b := open[i], open[j]
			if a.ResourceID != b.ResourceID {
				continue
			}
			assert.False(t, schedule.Overlaps(
				schedule.NewInterval(a.StartAt, a.EndAt),
				schedule.NewInterval(b.StartAt, b.EndAt),
			), "stays %s and %s overlap", a.ID, b.ID)
		}
	}
}
