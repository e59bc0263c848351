package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/palliative-api/pkg/errors"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response wraps all API responses
type Response struct {
	Status  string      `json:"status"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *Pagination `json:"meta,omitempty"`
}

// Pagination echoes the window a list was read with
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Status: StatusSuccess,
		Data:   data,
	})
}

// RespondWithPagination sends a list together with its page window
func RespondWithPagination(c *gin.Context, data interface{}, limit, offset, count int) {
	c.JSON(http.StatusOK, Response{
		Status: StatusSuccess,
		Data:   data,
		Meta: &Pagination{
			Limit:  limit,
			Offset: offset,
			Count:  count,
		},
	})
}

// RespondWithError sends an error response. Errors that are not an
// *errors.AppError are reported as internal without leaking their text.
func RespondWithError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		appErr = errors.Internal(err)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.HTTPStatus(), Response{
		Status:  StatusError,
		Code:    appErr.Code.String(),
		Message: appErr.Message,
	})
}
