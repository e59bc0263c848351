package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/service/appointment"
	"github.com/jwalitptl/palliative-api/internal/service/audit"
	"github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

type Handler struct {
	service *audit.Service
}

func NewHandler(service *audit.Service) *Handler {
	return &Handler{
		service: service,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	audit := r.Group("/audit")
	{
		audit.GET("/logs/entity/:type/:id", h.GetEntityLogs)
	}
}

// GetEntityLogs lists the trail of one bed, stay or appointment, newest first.
func (h *Handler) GetEntityLogs(c *gin.Context) {
	entityType := c.Param("type")
	entityID := c.Param("id")
	switch entityType {
	case model.AuditEntityResource, model.AuditEntityAssignment:
	case model.AuditEntityAppointment:
		// appointments are logged under their code
		id, err := appointment.ParseRef(entityID)
		if err != nil {
			httputil.RespondWithError(c, err)
			return
		}
		entityID = model.FormatAppointmentCode(id)
	default:
		httputil.RespondWithError(c, errors.Validation("unknown entity type "+entityType))
		return
	}

	logs, err := h.service.ListByEntity(c.Request.Context(), entityType, entityID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, logs)
}
