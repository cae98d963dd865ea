package handler

import (
	"net/http"
	"sort"

	"github.com/aman-churiwal/revive/internal/circuitbreaker"
	"github.com/aman-churiwal/revive/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handles operator endpoints for the service's circuit breakers
type SystemHandler struct {
	breakers map[string]*circuitbreaker.CircuitBreaker
	log      *logrus.Logger
}

func NewSystemHandler(log *logrus.Logger, breakers ...*circuitbreaker.CircuitBreaker) *SystemHandler {
	m := make(map[string]*circuitbreaker.CircuitBreaker, len(breakers))
	for _, cb := range breakers {
		m[cb.Name()] = cb
	}

	return &SystemHandler{
		breakers: m,
		log:      log,
	}
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	names := make([]string, 0, len(h.breakers))
	for name := range h.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]gin.H, 0, len(names))
	for _, name := range names {
		m := h.breakers[name].Metrics()
		statuses = append(statuses, gin.H{
			"name":              name,
			"state":             m.State.String(),
			"failure_count":     m.FailureCount,
			"success_count":     m.SuccessCount,
			"last_failure_time": m.LastFailureTime,
			"last_state_change": m.LastStateChange,
		})
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("name")

	cb, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Circuit breaker not found",
		})
		return
	}

	cb.Reset()
	h.log.WithFields(logrus.Fields{
		"breaker": name,
		"by":      c.GetString(middleware.ContextEmail),
	}).Warn("Circuit breaker reset by operator")

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    name,
	})
}
