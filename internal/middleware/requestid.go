package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Keys set on the gin context
const (
	ContextRequestID = "request_id"
	ContextUserID    = "user_id"
	ContextEmail     = "email"
	ContextRole      = "role"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		c.Set(ContextRequestID, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
