package appointment

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/palliative-api/internal/handler"
	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/service/appointment"
	"github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

type Handler struct {
	service *appointment.Service
}

func NewHandler(service *appointment.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	appointments := r.Group("/appointments")
	{
		appointments.POST("", h.CreateAppointment)
		appointments.GET("", h.ListAppointments)
		appointments.GET("/:ref", h.GetAppointment)
		appointments.PATCH("/:ref", h.UpdateAppointment)
		appointments.POST("/:ref/status", h.TransitionStatus)
		appointments.DELETE("/:ref", h.DeleteAppointment)
	}
}

func (h *Handler) CreateAppointment(c *gin.Context) {
	var req model.AppointmentInput
	if !handler.BindJSON(c, &req) {
		return
	}

	apt, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusCreated, apt)
}

func (h *Handler) GetAppointment(c *gin.Context) {
	apt, err := h.service.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, apt)
}

// ListAppointments returns the attention-ordered list. Optional filters:
// subject_id, status, from and to (inclusive dates).
func (h *Handler) ListAppointments(c *gin.Context) {
	page, err := handler.Page(c)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	filters := &model.AppointmentFilters{
		SubjectID:  strings.TrimSpace(c.Query("subject_id")),
		Pagination: page,
	}

	if raw := c.Query("status"); raw != "" {
		status := model.AppointmentStatus(raw)
		if !status.Valid() {
			httputil.RespondWithError(c, errors.Validation("status must be pending, done or cancelled"))
			return
		}
		filters.Status = status
	}
	for name, dst := range map[string]**model.Date{"from": &filters.From, "to": &filters.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		d, err := model.ParseDate(raw)
		if err != nil {
			httputil.RespondWithError(c, errors.BadRequest(name+" must be a date in YYYY-MM-DD form", err))
			return
		}
		*dst = &d
	}

	apts, err := h.service.List(c.Request.Context(), filters)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, apts, page.Limit, page.Offset, len(apts))
}

func (h *Handler) UpdateAppointment(c *gin.Context) {
	var patch model.AppointmentInput
	if !handler.BindJSON(c, &patch) {
		return
	}

	apt, err := h.service.Update(c.Request.Context(), c.Param("ref"), patch)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, apt)
}

func (h *Handler) TransitionStatus(c *gin.Context) {
	var req model.TransitionStatusRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	apt, err := h.service.TransitionStatus(c.Request.Context(), c.Param("ref"), req.Status)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, apt)
}

// DeleteAppointment is idempotent: deleting a missing appointment reports
// deleted=false with status 200.
func (h *Handler) DeleteAppointment(c *gin.Context) {
	deleted, err := h.service.Delete(c.Request.Context(), c.Param("ref"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, gin.H{"deleted": deleted})
}
