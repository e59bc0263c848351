package resource

import (
	"context"
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

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := NewService(store.TxManager(), store.Resources(), store.Assignments(),
		audit.NewService(store.Audit()), event.NewEventService(store.Outbox()), nil)
	return svc, store
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	res, err := svc.Create(ctx, &model.CreateResourceRequest{Code: " B-01 ", Category: "LTC"})
	require.NoError(t, err)
	assert.Equal(t, "B-01", res.Code)
	assert.True(t, res.Active)

	_, err = svc.Create(ctx, &model.CreateResourceRequest{Code: "B-01", Category: "LTC"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict))

	for _, req := range []model.CreateResourceRequest{
		{Code: " ", Category: "LTC"},
		{Code: "B-02", Category: ""},
		{Code: "6f1c1c5e-5f55-4a5e-9a40-0d7a0f2a5c11", Category: "LTC"},
	} {
		req := req
		_, err := svc.Create(ctx, &req)
		assert.True(t, appErrors.HasCode(err, appErrors.ErrBadRequest), req.Code)
	}
}

func TestGetByIDOrCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	res, err := svc.Create(ctx, &model.CreateResourceRequest{Code: "B-01", Category: "LTC"})
	require.NoError(t, err)

	byID, err := svc.Get(ctx, res.ID.String())
	require.NoError(t, err)
	byCode, err := svc.Get(ctx, "B-01")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, byCode.ID)

	_, err = svc.Get(ctx, "B-404")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
	assert.Contains(t, err.Error(), "bed B-404 not found")

	_, err = svc.Get(ctx, "")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrBadRequest))
}

func TestRetireAndReactivate(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	res, err := svc.Create(ctx, &model.CreateResourceRequest{Code: "B-01", Category: "LTC"})
	require.NoError(t, err)

	stay := &model.Assignment{ResourceID: res.ID, SubjectID: "P-1", StartAt: time.Now().Add(-time.Hour), Status: model.AssignmentStatusOccupied}
	require.NoError(t, store.Assignments().Create(ctx, stay))

	_, err = svc.Retire(ctx, "B-01")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))

	end := time.Now()
	stay.EndAt = &end
	stay.Status = model.AssignmentStatusCompleted
	require.NoError(t, store.Assignments().Update(ctx, stay))

	retired, err := svc.Retire(ctx, "B-01")
	require.NoError(t, err)
	assert.False(t, retired.Active)

	// Retiring twice is a no-op.
	retired, err = svc.Retire(ctx, "B-01")
	require.NoError(t, err)
	assert.False(t, retired.Active)

	active := false
	list, err := svc.List(ctx, &model.ResourceFilters{Active: &active})
	require.NoError(t, err)
	require.Len(t, list, 1)

	back, err := svc.Reactivate(ctx, res.ID.String())
	require.NoError(t, err)
	assert.True(t, back.Active)

	logs, err := store.Audit().ListByEntity(ctx, model.AuditEntityResource, res.ID.String())
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []string{model.AuditActionCreate, model.AuditActionRetire, model.AuditActionReactivate}, actions)
}
