package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/internal/registry/service"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
	"github.com/kaunda-a/nyx-registry/pkg/middleware"
)

type HTTPHandler struct {
	registry *service.Registry
	logger   logger.Logger
}

func NewHTTPHandler(registry *service.Registry, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		registry: registry,
		logger:   log.WithField("component", "http_handler"),
	}
}

func (h *HTTPHandler) SetupRoutes(router *gin.Engine, auth *middleware.AuthMiddleware) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	if auth != nil {
		api.Use(auth.Authenticate())
	}

	proxies := api.Group("/proxies")
	{
		proxies.GET("", h.ListProxies)
		proxies.POST("", h.CreateProxy)
		proxies.POST("/validate", h.ValidateProxy)
		proxies.POST("/assign", h.AssignProxy)
		proxies.POST("/unassign", h.UnassignProxy)
		proxies.GET("/statistics", h.GetStatistics)
		proxies.GET("/:id", h.GetProxy)
		proxies.DELETE("/:id", h.DeleteProxy)
		proxies.POST("/:id/check", h.CheckProxy)
	}
}

func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "proxy-registry",
	})
}

func (h *HTTPHandler) ListProxies(c *gin.Context) {
	filters := models.ProxyFilters{
		Protocol: models.ProxyProtocol(c.Query("protocol")),
		Status:   models.ProxyStatus(c.Query("status")),
		Country:  c.Query("country"),
		Search:   c.Query("search"),
		SortBy:   c.Query("sort_by"),
	}

	proxies, err := h.registry.List(c.Request.Context(), filters)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"proxies": proxies,
		"count":   len(proxies),
	})
}

func (h *HTTPHandler) CreateProxy(c *gin.Context) {
	var input service.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	proxy, err := h.registry.Create(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, proxy)
}

func (h *HTTPHandler) GetProxy(c *gin.Context) {
	proxy, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, proxy)
}

func (h *HTTPHandler) DeleteProxy(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "deleted",
		"proxy_id": id,
	})
}

// CheckProxy runs a health check. A failed probe still updated the record,
// so the 502 body carries the post-check proxy next to the error.
func (h *HTTPHandler) CheckProxy(c *gin.Context) {
	proxy, err := h.registry.CheckHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		var probeErr *models.ProbeError
		if errors.As(err, &probeErr) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": probeErr.Error(),
				"proxy": proxy,
			})
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, proxy)
}

func (h *HTTPHandler) ValidateProxy(c *gin.Context) {
	var input service.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.registry.Validate(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *HTTPHandler) AssignProxy(c *gin.Context) {
	profileID := c.Query("profile_id")
	proxyID := c.Query("proxy_id")
	country := c.Query("country")
	exclusive := c.Query("exclusive") == "true"

	proxy, err := h.registry.Assign(c.Request.Context(), profileID, proxyID, country, exclusive)
	if err != nil {
		if errors.Is(err, models.ErrNoAvailableProxy) {
			c.JSON(http.StatusConflict, gin.H{
				"error":     models.ErrNoAvailableProxy.Error(),
				"country":   country,
				"exclusive": exclusive,
			})
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile_id": profileID,
		"proxy":      proxy,
	})
}

func (h *HTTPHandler) UnassignProxy(c *gin.Context) {
	profileID := c.Query("profile_id")

	proxyID, err := h.registry.Unassign(c.Request.Context(), profileID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile_id": profileID,
		"proxy_id":   proxyID,
		"released":   proxyID != "",
	})
}

func (h *HTTPHandler) GetStatistics(c *gin.Context) {
	stats, err := h.registry.Statistics(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *HTTPHandler) respondError(c *gin.Context, err error) {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "proxy not found"})
	case errors.Is(err, models.ErrDuplicateProxy):
		c.JSON(http.StatusConflict, gin.H{"error": "proxy already registered"})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "proxy is exclusively assigned"})
	case errors.Is(err, models.ErrNoAvailableProxy):
		c.JSON(http.StatusConflict, gin.H{"error": models.ErrNoAvailableProxy.Error()})
	default:
		h.logger.Error("Request failed", logger.Field{Key: "error", Value: err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
