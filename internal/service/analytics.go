package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/revive/internal/repository"
)

// GeneratePath is the route whose logs count as restoration attempts
const GeneratePath = "/api/generate"

// RequestLogStore is satisfied by *repository.RequestLogRepository
type RequestLogStore interface {
	CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error)
	CountByStatusCodeRange(ctx context.Context, minCode, maxCode int, from, to time.Time) (int64, error)
	GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error)
	GetTopUsers(ctx context.Context, path string, from, to time.Time, limit int) ([]repository.UserUsage, error)
	DeleteOldLogs(ctx context.Context, before time.Time) (int64, error)
}

type AnalyticsService struct {
	repository RequestLogStore
	now        func() time.Time
}

func NewAnalyticsService(repo RequestLogStore) *AnalyticsService {
	return &AnalyticsService{
		repository: repo,
		now:        time.Now,
	}
}

// Holds usage summary data
type AnalyticsSummary struct {
	From            time.Time              `json:"from"`
	To              time.Time              `json:"to"`
	TotalRequests   int64                  `json:"total_requests"`
	AvgResponseTime float64                `json:"avg_response_time_ms"`
	ErrorRate       float64                `json:"error_rate"`
	SuccessRate     float64                `json:"success_rate"`
	ClientErrorRate float64                `json:"client_error_rate"`
	ServerErrorRate float64                `json:"server_error_rate"`
	QuotaRejections int64                  `json:"quota_rejections"`
	TopUsers        []repository.UserUsage `json:"top_users"`
}

// Retrieves the usage summary for a time range
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{From: from, To: to, TopUsers: []repository.UserUsage{}}

	totalRequests, err := s.repository.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = totalRequests

	if totalRequests == 0 {
		return summary, nil
	}

	avgResponseTime, err := s.repository.GetAverageResponseTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgResponseTime = avgResponseTime

	clientErrors, err := s.repository.CountByStatusCodeRange(ctx, 400, 499, from, to)
	if err != nil {
		return nil, err
	}

	serverErrors, err := s.repository.CountByStatusCodeRange(ctx, 500, 599, from, to)
	if err != nil {
		return nil, err
	}

	rejections, err := s.repository.CountByStatusCodeRange(ctx, 429, 429, from, to)
	if err != nil {
		return nil, err
	}
	summary.QuotaRejections = rejections

	totalErrors := clientErrors + serverErrors
	summary.ErrorRate = (float64(totalErrors) / float64(totalRequests)) * 100
	summary.SuccessRate = 100 - summary.ErrorRate
	summary.ClientErrorRate = (float64(clientErrors) / float64(totalRequests)) * 100
	summary.ServerErrorRate = (float64(serverErrors) / float64(totalRequests)) * 100

	topUsers, err := s.repository.GetTopUsers(ctx, GeneratePath, from, to, 10)
	if err != nil {
		return nil, err
	}
	if topUsers != nil {
		summary.TopUsers = topUsers
	}

	return summary, nil
}

// Deletes logs older than the retention period
func (s *AnalyticsService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutOffDate := s.now().AddDate(0, 0, -retentionDays)
	return s.repository.DeleteOldLogs(ctx, cutOffDate)
}
