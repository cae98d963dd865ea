package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aman-churiwal/revive/internal/upload"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Presigner is satisfied by *upload.Presigner
type Presigner interface {
	PresignUpload(ctx context.Context, contentType string) (*upload.Upload, error)
}

type UploadHandler struct {
	presigner Presigner
	log       *logrus.Logger
}

// A nil presigner means uploads are not configured
func NewUploadHandler(presigner Presigner, log *logrus.Logger) *UploadHandler {
	return &UploadHandler{presigner: presigner, log: log}
}

// Handles POST /api/uploads
func (h *UploadHandler) Create(c *gin.Context) {
	if h.presigner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Uploads are not configured"})
		return
	}

	var req struct {
		ContentType string `json:"contentType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	up, err := h.presigner.PresignUpload(c.Request.Context(), req.ContentType)
	if errors.Is(err, upload.ErrUnsupportedType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.WithField("error", err).Error("Failed to presign upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create upload"})
		return
	}

	c.JSON(http.StatusCreated, up)
}
