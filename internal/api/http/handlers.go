// Package http exposes the agent's local diagnostics API: queue status,
// breaker states, session status, and manual drain triggers. Observability
// surface only; the LedgerLine product API lives server-side.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerline/client-go/internal/client"
	"github.com/ledgerline/client-go/internal/infrastructure/monitoring"
)

// Handlers serves the diagnostics endpoints
type Handlers struct {
	client  *client.Client
	metrics *monitoring.Metrics
}

// NewHandlers creates the diagnostics handlers
func NewHandlers(c *client.Client, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{client: c, metrics: metrics}
}

// Register mounts all routes on the router
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/queue", h.QueueEntries)
	router.POST("/queue/drain", h.Drain)
	router.POST("/queue/retry-failed", h.RetryFailed)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Health reports liveness
func (h *Handlers) Health(c *gin.Context) {
	h.metrics.UpdateUptime()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// Status reports the full resilience-layer state
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connectivity": h.client.Connectivity().Current(),
		"queue":        h.client.Queue().Status(),
		"breakers":     h.client.Breakers().Snapshot(),
		"session":      h.client.Auth().Status(),
		"counters":     h.metrics.GetSnapshot(),
	})
}

// QueueEntries lists pending entries in replay order
func (h *Handlers) QueueEntries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries": h.client.Queue().Entries(),
		"status":  h.client.Queue().Status(),
	})
}

// Drain manually triggers a replay pass
func (h *Handlers) Drain(c *gin.Context) {
	result, err := h.client.Drain(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RetryFailed resets exhausted entries and drains
func (h *Handlers) RetryFailed(c *gin.Context) {
	result, err := h.client.RetryFailed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
