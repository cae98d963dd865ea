package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/aman-churiwal/revive/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	logBatchSize     = 100
	logFlushInterval = 5 * time.Second
)

// RequestLogSink is satisfied by *repository.RequestLogRepository
type RequestLogSink interface {
	CreateBatch(ctx context.Context, logs []models.RequestLog) error
}

// RequestLogger persists one row per request. Rows are queued on a buffered
// channel and batch inserted by a background worker; when the queue is full
// rows are dropped rather than delaying the response.
type RequestLogger struct {
	sink      RequestLogSink
	log       *logrus.Logger
	entries   chan models.RequestLog
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	interval  time.Duration
}

func NewRequestLogger(sink RequestLogSink, bufferSize int, log *logrus.Logger) *RequestLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	r := &RequestLogger{
		sink:     sink,
		log:      log,
		entries:  make(chan models.RequestLog, bufferSize),
		done:     make(chan struct{}),
		interval: logFlushInterval,
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *RequestLogger) run() {
	defer r.wg.Done()

	batch := make([]models.RequestLog, 0, logBatchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-r.entries:
			batch = append(batch, entry)
			if len(batch) >= logBatchSize {
				r.insertBatch(batch)
				batch = make([]models.RequestLog, 0, logBatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.insertBatch(batch)
				batch = make([]models.RequestLog, 0, logBatchSize)
			}
		case <-r.done:
			for {
				select {
				case entry := <-r.entries:
					batch = append(batch, entry)
				default:
					r.insertBatch(batch)
					return
				}
			}
		}
	}
}

func (r *RequestLogger) insertBatch(logs []models.RequestLog) {
	if len(logs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.sink.CreateBatch(ctx, logs); err != nil {
		r.log.WithFields(logrus.Fields{
			"count": len(logs),
			"error": err,
		}).Error("Failed to insert request logs")
	}
}

// Close stops the worker after flushing queued rows
func (r *RequestLogger) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *RequestLogger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := models.RequestLog{
			Timestamp:      start,
			RequestID:      c.GetString(ContextRequestID),
			UserEmail:      c.GetString(ContextEmail),
			Method:         c.Request.Method,
			Path:           c.Request.URL.Path,
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
			IPAddress:      c.ClientIP(),
			UserAgent:      c.Request.UserAgent(),
		}

		select {
		case r.entries <- entry:
		default:
			r.log.WithField("request_id", entry.RequestID).Warn("Request log queue full, dropping entry")
		}
	}
}
