package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aigoflow/inference-router/internal/backend"
	"github.com/aigoflow/inference-router/internal/health"
	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/registry"
	"github.com/aigoflow/inference-router/internal/repository"
	"github.com/aigoflow/inference-router/internal/routing"
)

// ClientSource resolves the upstream client for a backend.
type ClientSource interface {
	For(id, typ, addr string) (backend.Client, error)
}

// AdminHandler manages the backend fleet and exposes dispatch outcomes.
type AdminHandler struct {
	reg     *registry.Registry
	monitor *health.Monitor
	router  *routing.Router
	clients ClientSource
	repo    repository.Repository
}

func NewAdminHandler(reg *registry.Registry, monitor *health.Monitor, router *routing.Router, clients ClientSource, repo repository.Repository) *AdminHandler {
	return &AdminHandler{
		reg:     reg,
		monitor: monitor,
		router:  router,
		clients: clients,
		repo:    repo,
	}
}

func (h *AdminHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.handleHealthz)
	r.GET("/admin/backends", h.handleListBackends)
	r.POST("/admin/backends", h.handleRegisterBackend)
	r.PUT("/admin/backends/:id/status", h.handleSetStatus)
	r.POST("/admin/backends/:id/probe", h.handleProbe)
	r.GET("/admin/backends/:id/models", h.handleListModels)
	r.DELETE("/admin/backends/:id", h.handleRemoveBackend)
	r.GET("/admin/outcomes", h.handleListOutcomes)
}

func (h *AdminHandler) handleHealthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *AdminHandler) handleListBackends(c *gin.Context) {
	backends := h.reg.List(c.Query("type"), models.BackendStatus(c.Query("status")))
	c.JSON(http.StatusOK, gin.H{"backends": backends})
}

func (h *AdminHandler) handleRegisterBackend(c *gin.Context) {
	var spec models.BackendSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	backend, err := h.reg.Register(c.Request.Context(), spec)
	if err != nil {
		c.JSON(registryErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, backend)
}

func (h *AdminHandler) handleSetStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	status := models.BackendStatus(body.Status)
	if !models.ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + body.Status})
		return
	}

	backend, err := h.reg.SetStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		c.JSON(registryErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, backend)
}

func (h *AdminHandler) handleProbe(c *gin.Context) {
	state, err := h.monitor.ProbeNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(registryErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *AdminHandler) handleListModels(c *gin.Context) {
	id := c.Param("id")
	e, err := h.reg.Entry(id)
	if err != nil {
		c.JSON(registryErrorCode(err), gin.H{"error": err.Error()})
		return
	}

	client, err := h.clients.For(e.ID(), e.Type(), e.Addr())
	if err != nil {
		c.JSON(registryErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	names, err := client.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backend_id": id, "models": names})
}

func (h *AdminHandler) handleRemoveBackend(c *gin.Context) {
	id := c.Param("id")
	if err := h.reg.Remove(c.Request.Context(), id); err != nil {
		c.JSON(registryErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	h.router.InvalidateModels(id)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) handleListOutcomes(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	outcomes, err := h.repo.Outcome().GetOutcomes(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load outcomes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func registryErrorCode(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateBackend), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidSpec):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
