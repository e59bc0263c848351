package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

type resourceRepository struct {
	store *Store
}

func (r *resourceRepository) Create(ctx context.Context, resource *model.Resource) error {
	defer r.store.lock(ctx)()
	st := r.store.state

	for _, existing := range st.resources {
		if existing.Code == resource.Code {
			return repository.ErrConflict
		}
	}
	if resource.ID == uuid.Nil {
		resource.ID = uuid.New()
	}
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = time.Now()
	}
	resource.UpdatedAt = resource.CreatedAt
	st.resources[resource.ID] = *resource
	return nil
}

func (r *resourceRepository) Get(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	defer r.store.lock(ctx)()
	res, ok := r.store.state.resources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &res, nil
}

func (r *resourceRepository) GetByCode(ctx context.Context, code string) (*model.Resource, error) {
	defer r.store.lock(ctx)()
	for _, res := range r.store.state.resources {
		if res.Code == code {
			res := res
			return &res, nil
		}
	}
	return nil, repository.ErrNotFound
}

// Row locks are implied by the store-wide transaction lock.
func (r *resourceRepository) GetForShare(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	return r.Get(ctx, id)
}

func (r *resourceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	return r.Get(ctx, id)
}

func (r *resourceRepository) SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	defer r.store.lock(ctx)()
	res, ok := r.store.state.resources[id]
	if !ok {
		return repository.ErrNotFound
	}
	res.Active = active
	res.UpdatedAt = at
	r.store.state.resources[id] = res
	return nil
}

func (r *resourceRepository) List(ctx context.Context, filters *model.ResourceFilters) ([]*model.Resource, error) {
	defer r.store.lock(ctx)()

	out := []*model.Resource{}
	for _, res := range r.store.state.resources {
		if filters != nil {
			if filters.Category != "" && res.Category != filters.Category {
				continue
			}
			if filters.Active != nil && res.Active != *filters.Active {
				continue
			}
		}
		res := res
		out = append(out, &res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
