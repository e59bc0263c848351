package occupancy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/palliative-api/internal/handler"
	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/service/appointment"
	"github.com/jwalitptl/palliative-api/internal/service/occupancy"
	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

type Handler struct {
	service *occupancy.Service
}

func NewHandler(service *occupancy.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	stays := r.Group("/stays")
	{
		stays.POST("", h.Occupy)
		stays.GET("/current", h.CurrentOccupancy)
		stays.GET("/:id", h.GetStay)
		stays.POST("/:id/end", h.EndStay)
		stays.POST("/:id/cancel", h.CancelStay)
		stays.POST("/:id/transfer", h.TransferStay)
	}

	r.GET("/beds/:ref/stays", h.BedHistory)
	r.GET("/patients/:subject/stays", h.PatientHistory)
}

func (h *Handler) Occupy(c *gin.Context) {
	var req model.OccupyRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	in := occupancy.OccupyInput{
		ResourceRef: req.Resource,
		SubjectID:   req.SubjectID,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Note:        req.Note,
	}
	if req.SourceAppointmentID != nil {
		id, err := appointment.ParseRef(*req.SourceAppointmentID)
		if err != nil {
			httputil.RespondWithError(c, err)
			return
		}
		in.SourceAppointmentID = &id
	}

	stay, err := h.service.Occupy(c.Request.Context(), in)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusCreated, stay)
}

func (h *Handler) GetStay(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	stay, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, stay)
}

func (h *Handler) EndStay(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	var req model.EndAssignmentRequest
	if !handler.BindOptionalJSON(c, &req) {
		return
	}

	stay, err := h.service.End(c.Request.Context(), id, req.At, req.Reason)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, stay)
}

func (h *Handler) CancelStay(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	stay, err := h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, stay)
}

func (h *Handler) TransferStay(c *gin.Context) {
	id, err := handler.UUIDParam(c, "id")
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	var req model.TransferRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	next, err := h.service.Transfer(c.Request.Context(), id, occupancy.TransferInput{
		ToResourceRef: req.ToResource,
		At:            req.At,
		Note:          req.Note,
	})
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusCreated, next)
}

func (h *Handler) CurrentOccupancy(c *gin.Context) {
	rows, err := h.service.CurrentOccupancy(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, rows)
}

func (h *Handler) BedHistory(c *gin.Context) {
	page, err := handler.Page(c)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	stays, err := h.service.HistoryByResource(c.Request.Context(), c.Param("ref"), page)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, stays, page.Limit, page.Offset, len(stays))
}

func (h *Handler) PatientHistory(c *gin.Context) {
	page, err := handler.Page(c)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	stays, err := h.service.HistoryBySubject(c.Request.Context(), c.Param("subject"), page)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, stays, page.Limit, page.Offset, len(stays))
}
