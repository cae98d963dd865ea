package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aman-churiwal/revive/internal/middleware"
	"github.com/aman-churiwal/revive/internal/quota"
	"github.com/aman-churiwal/revive/internal/restoration"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	failedMessage = "Failed to revive image"

	// nginx's code for a request the client abandoned
	statusClientClosedRequest = 499
)

// QuotaGate is satisfied by *quota.Gate
type QuotaGate interface {
	Enabled() bool
	CheckAndConsume(ctx context.Context, userID string) quota.Decision
	Status(ctx context.Context, userID string) quota.Status
}

// Restorer is satisfied by *restoration.Orchestrator
type Restorer interface {
	Restore(ctx context.Context, imageURL string) (string, error)
}

type GenerateHandler struct {
	gate     QuotaGate
	restorer Restorer
	log      *logrus.Logger
}

func NewGenerateHandler(gate QuotaGate, restorer Restorer, log *logrus.Logger) *GenerateHandler {
	return &GenerateHandler{
		gate:     gate,
		restorer: restorer,
		log:      log,
	}
}

type generateRequest struct {
	ImageURL string `json:"imageUrl" binding:"required,url"`
}

// Handles POST /api/generate
func (h *GenerateHandler) Generate(c *gin.Context) {
	email := c.GetString(middleware.ContextEmail)

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil || !isHTTPURL(req.ImageURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "imageUrl must be an http(s) URL"})
		return
	}

	ctx := c.Request.Context()

	decision := h.gate.CheckAndConsume(ctx, email)
	if h.gate.Enabled() && !decision.Degraded {
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}

	if !decision.Allowed {
		hours, minutes := splitDuration(decision.ResetAfter)
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetAt)))
		c.JSON(http.StatusTooManyRequests,
			fmt.Sprintf("Your generations will renew in %d hours and %d minutes.", hours, minutes))
		return
	}

	output, err := h.restorer.Restore(ctx, req.ImageURL)
	if err != nil {
		h.writeRestoreError(c, email, err)
		return
	}

	c.JSON(http.StatusOK, output)
}

func (h *GenerateHandler) writeRestoreError(c *gin.Context, email string, err error) {
	entry := h.log.WithFields(logrus.Fields{
		"request_id": c.GetString(middleware.ContextRequestID),
		"user":       email,
		"error":      err,
	})

	switch {
	case c.Request.Context().Err() != nil:
		entry.Info("Client went away before the restoration finished")
		c.AbortWithStatus(statusClientClosedRequest)
	case errors.Is(err, restoration.ErrJobTimeout):
		entry.Warn("Restoration timed out")
		c.JSON(http.StatusGatewayTimeout, failedMessage)
	default:
		entry.Error("Restoration failed")
		c.JSON(http.StatusOK, failedMessage)
	}
}

// Handles GET /api/remaining
func (h *GenerateHandler) Remaining(c *gin.Context) {
	email := c.GetString(middleware.ContextEmail)

	status := h.gate.Status(c.Request.Context(), email)

	c.JSON(http.StatusOK, gin.H{
		"remainingGenerations": status.Remaining,
		"hours":                status.Hours(),
		"minutes":              status.Minutes(),
	})
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func splitDuration(d time.Duration) (int, int) {
	if d < 0 {
		d = 0
	}
	return int(d / time.Hour), int((d % time.Hour) / time.Minute)
}

func retryAfterSeconds(resetAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}
