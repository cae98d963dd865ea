package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/revive/internal/models"
	"github.com/aman-churiwal/revive/internal/storage"
)

type RequestLogRepository struct {
	db *storage.Postgres
}

func NewRequestLogRepository(db *storage.Postgres) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

// Inserts multiple request logs (for batch insertion)
func (r *RequestLogRepository) CreateBatch(ctx context.Context, logs []models.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&logs).Error
}

// Deletes logs older than the specified time
func (r *RequestLogRepository) DeleteOldLogs(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.RequestLog{})

	return result.RowsAffected, result.Error
}

// Counts logs within the time range
func (r *RequestLogRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Count(&count).Error

	return count, err
}

// Counts logs whose status code falls in [minCode, maxCode]
func (r *RequestLogRepository) CountByStatusCodeRange(ctx context.Context, minCode, maxCode int, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Where("status_code BETWEEN ? AND ?", minCode, maxCode).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Count(&count).Error

	return count, err
}

func (r *RequestLogRepository) GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error) {
	var avg float64
	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Select("COALESCE(AVG(response_time_ms), 0)").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Scan(&avg).Error

	return avg, err
}

// Per-user request counts on a single path
type UserUsage struct {
	UserEmail string `json:"user_email"`
	Requests  int64  `json:"requests"`
	Rejected  int64  `json:"rejected"`
}

// Returns the users with the most requests to path, busiest first
func (r *RequestLogRepository) GetTopUsers(ctx context.Context, path string, from, to time.Time, limit int) ([]UserUsage, error) {
	var usage []UserUsage
	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Select("user_email, COUNT(*) AS requests, SUM(CASE WHEN status_code = 429 THEN 1 ELSE 0 END) AS rejected").
		Where("path = ? AND user_email <> ''", path).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("user_email").
		Order("requests DESC").
		Limit(limit).
		Scan(&usage).Error

	return usage, err
}
