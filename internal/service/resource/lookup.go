package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
)

// LockMode selects the row lock Lookup takes on the bed.
type LockMode int

const (
	LockNone LockMode = iota
	// LockShare blocks retirement until the caller's transaction ends.
	LockShare
	// LockUpdate is taken by retire and reactivate.
	LockUpdate
)

// Lookup finds a bed by id or code. Locking modes must be used inside a transaction.
func Lookup(ctx context.Context, repo repository.ResourceRepository, ref string, mode LockMode) (*model.Resource, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, appErrors.Validation("bed reference is required")
	}

	id, err := uuid.Parse(ref)
	if err != nil {
		res, err := repo.GetByCode(ctx, ref)
		if err != nil {
			return nil, notFound(ref, err)
		}
		id = res.ID
		if mode == LockNone {
			return res, nil
		}
	}

	var res *model.Resource
	switch mode {
	case LockShare:
		res, err = repo.GetForShare(ctx, id)
	case LockUpdate:
		res, err = repo.GetForUpdate(ctx, id)
	default:
		res, err = repo.Get(ctx, id)
	}
	if err != nil {
		return nil, notFound(ref, err)
	}
	return res, nil
}

func notFound(ref string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &appErrors.AppError{
			Code:    appErrors.ErrNotFound,
			Message: fmt.Sprintf("bed %s not found", ref),
			Err:     err,
		}
	}
	return fmt.Errorf("failed to get resource: %w", err)
}
