package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aman-churiwal/revive/internal/config"
	"github.com/aman-churiwal/revive/internal/logger"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/aman-churiwal/revive/internal/models"
	"github.com/aman-churiwal/revive/internal/replicate"
	"github.com/aman-churiwal/revive/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type instantProvider struct{}

func (instantProvider) CreatePrediction(ctx context.Context, imageURL string) (*replicate.Prediction, error) {
	p := &replicate.Prediction{ID: "p1", Status: replicate.StatusStarting}
	p.URLs.Get = "https://provider.test/predictions/p1"
	return p, nil
}

func (instantProvider) GetPrediction(ctx context.Context, handle string) (*replicate.Prediction, error) {
	return &replicate.Prediction{
		ID:     "p1",
		Status: replicate.StatusSucceeded,
		Output: json.RawMessage(`"https://cdn.test/restored.png"`),
	}, nil
}

func (instantProvider) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Monitor.Enable = true

	reg := prometheus.NewRegistry()
	s := New(Deps{
		Config:   cfg,
		Logger:   logger.Discard(),
		Registry: reg,
		Metrics:  metrics.New(cfg.Monitor.ServiceName, reg),
		Postgres: &storage.Postgres{DB: gdb},
		Provider: instantProvider{},
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return s
}

func tokenFor(t *testing.T, s *Server, role string) string {
	t.Helper()
	token, err := s.authService.IssueToken(&models.User{ID: uuid.New(), Email: "ann@example.com", Role: role})
	require.NoError(t, err)
	return token
}

func do(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{"enabled": false, "breaker": "closed"}, body["quota"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	do(s, http.MethodGet, "/health", "", nil)

	w := do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestGenerate_RequiresSession(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/api/generate", "", []byte(`{"imageUrl":"https://img.test/a.png"}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, `"Login to upload"`, w.Body.String())
}

func TestGenerate_WithoutQuotaStore(t *testing.T) {
	s := newTestServer(t)
	token := tokenFor(t, s, models.RoleUser)

	w := do(s, http.MethodPost, "/api/generate", token, []byte(`{"imageUrl":"https://img.test/a.png"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"https://cdn.test/restored.png"`, w.Body.String())
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestUploads_StorageDisabled(t *testing.T) {
	s := newTestServer(t)
	token := tokenFor(t, s, models.RoleUser)

	w := do(s, http.MethodPost, "/api/uploads", token, []byte(`{"contentType":"image/png"}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/api/admin/circuit-breakers", tokenFor(t, s, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodGet, "/api/admin/circuit-breakers", tokenFor(t, s, models.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), quotaBreakerName)
}

func TestShutdown_Idempotent(t *testing.T) {
	s := newTestServer(t)
	s.Start()

	assert.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Shutdown(context.Background()))
}
