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

const resourceColumns = `id, code, category, active, created_at, updated_at`

type resourceRepository struct {
	BaseRepository
}

func NewResourceRepository(base BaseRepository) repository.ResourceRepository {
	return &resourceRepository{base}
}

func (r *resourceRepository) Create(ctx context.Context, resource *model.Resource) error {
	query := `
		INSERT INTO resources (
			id, code, category, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	if resource.ID == uuid.Nil {
		resource.ID = uuid.New()
	}
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = time.Now()
	}
	resource.UpdatedAt = resource.CreatedAt

	_, err := r.conn(ctx).ExecContext(ctx, query,
		resource.ID,
		resource.Code,
		resource.Category,
		resource.Active,
		resource.CreatedAt,
		resource.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bed: %w", mapError(err))
	}
	return nil
}

func (r *resourceRepository) Get(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	return r.getOne(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1`, id)
}

func (r *resourceRepository) GetByCode(ctx context.Context, code string) (*model.Resource, error) {
	return r.getOne(ctx, `SELECT `+resourceColumns+` FROM resources WHERE code = $1`, code)
}

func (r *resourceRepository) GetForShare(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	return r.getOne(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1 FOR SHARE`, id)
}

func (r *resourceRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Resource, error) {
	return r.getOne(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1 FOR UPDATE`, id)
}

func (r *resourceRepository) getOne(ctx context.Context, query string, arg interface{}) (*model.Resource, error) {
	var resource model.Resource
	if err := sqlx.GetContext(ctx, r.conn(ctx), &resource, query, arg); err != nil {
		return nil, fmt.Errorf("failed to get bed: %w", mapError(err))
	}
	return &resource, nil
}

func (r *resourceRepository) SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	query := `
		UPDATE resources
		SET active = $1, updated_at = $2
		WHERE id = $3
	`
	result, err := r.conn(ctx).ExecContext(ctx, query, active, at, id)
	if err != nil {
		return fmt.Errorf("failed to update bed: %w", mapError(err))
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

func (r *resourceRepository) List(ctx context.Context, filters *model.ResourceFilters) ([]*model.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE 1=1`
	var args []interface{}

	if filters != nil {
		if filters.Category != "" {
			args = append(args, filters.Category)
			query += fmt.Sprintf(" AND category = $%d", len(args))
		}
		if filters.Active != nil {
			args = append(args, *filters.Active)
			query += fmt.Sprintf(" AND active = $%d", len(args))
		}
	}
	query += " ORDER BY code ASC"

	resources := []*model.Resource{}
	if err := sqlx.SelectContext(ctx, r.conn(ctx), &resources, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list beds: %w", err)
	}
	return resources, nil
}
