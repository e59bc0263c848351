package handler

import (
	stdErrors "errors"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/middleware"
	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

// BindJSON decodes and validates the request body. On failure it writes the
// error envelope and returns false.
func BindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		httputil.RespondWithError(c, middleware.BindingError(err))
		return false
	}
	return true
}

// BindOptionalJSON is BindJSON for endpoints whose body may be empty.
func BindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		if stdErrors.Is(err, io.EOF) {
			return true
		}
		httputil.RespondWithError(c, middleware.BindingError(err))
		return false
	}
	return true
}

// Page reads limit and offset from the query string, clamped to the
// allowed window.
func Page(c *gin.Context) (model.Pagination, error) {
	var page model.Pagination
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, errors.Validation(name + " must be a non-negative integer")
		}
		*dst = n
	}
	return page.Normalize(), nil
}

// UUIDParam parses a uuid path parameter.
func UUIDParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, errors.BadRequest("invalid "+name, err)
	}
	return id, nil
}
