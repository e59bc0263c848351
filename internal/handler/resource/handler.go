package resource

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/palliative-api/internal/handler"
	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/service/resource"
	"github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

type Handler struct {
	service *resource.Service
}

func NewHandler(service *resource.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	beds := r.Group("/beds")
	{
		beds.POST("", h.CreateBed)
		beds.GET("", h.ListBeds)
		beds.GET("/:ref", h.GetBed)
		beds.POST("/:ref/retire", h.RetireBed)
		beds.POST("/:ref/reactivate", h.ReactivateBed)
	}
}

func (h *Handler) CreateBed(c *gin.Context) {
	var req model.CreateResourceRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	bed, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusCreated, bed)
}

func (h *Handler) ListBeds(c *gin.Context) {
	filters := &model.ResourceFilters{Category: c.Query("category")}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httputil.RespondWithError(c, errors.Validation("active must be true or false"))
			return
		}
		filters.Active = &active
	}

	beds, err := h.service.List(c.Request.Context(), filters)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, beds)
}

func (h *Handler) GetBed(c *gin.Context) {
	bed, err := h.service.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, bed)
}

func (h *Handler) RetireBed(c *gin.Context) {
	bed, err := h.service.Retire(c.Request.Context(), c.Param("ref"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, bed)
}

func (h *Handler) ReactivateBed(c *gin.Context) {
	bed, err := h.service.Reactivate(c.Request.Context(), c.Param("ref"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, bed)
}
