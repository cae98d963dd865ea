package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aman-churiwal/revive/internal/models"
	"github.com/aman-churiwal/revive/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockPostgres(t *testing.T) (*storage.Postgres, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return &storage.Postgres{DB: gdb}, mock
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "name", "role", "created_at"})
}

func TestUserRepository_FindByEmail(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewUserRepository(db)

	id := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(userRows().AddRow(id.String(), "ann@example.com", "hash", "Ann", "user", time.Now()))

	user, err := repo.FindByEmail(context.Background(), "ann@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "Ann", user.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_FindByEmail_NotFound(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(userRows())

	user, err := repo.FindByEmail(context.Background(), "nobody@example.com")
	assert.NoError(t, err)
	assert.Nil(t, user)
}

func TestUserRepository_FindByID_Error(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1`).
		WillReturnError(errors.New("connection reset"))

	user, err := repo.FindByID(context.Background(), uuid.NewString())
	assert.Error(t, err)
	assert.Nil(t, user)
}

func TestUserRepository_Create(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewUserRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "users"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	user := &models.User{Email: "ann@example.com", PasswordHash: "hash", Role: "user"}
	require.NoError(t, repo.Create(context.Background(), user))

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestLogRepository_CreateBatch_Empty(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	require.NoError(t, repo.CreateBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestLogRepository_CreateBatch(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "request_logs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	logs := []models.RequestLog{{
		Timestamp:  time.Now(),
		RequestID:  "req-1",
		Method:     "POST",
		Path:       "/api/generate",
		StatusCode: 200,
	}}
	require.NoError(t, repo.CreateBatch(context.Background(), logs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestLogRepository_DeleteOldLogs(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "request_logs" WHERE timestamp < \$1`).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	n, err := repo.DeleteOldLogs(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestLogRepository_CountByTimeRange(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "request_logs" WHERE timestamp BETWEEN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	to := time.Now()
	count, err := repo.CountByTimeRange(context.Background(), to.Add(-time.Hour), to)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestLogRepository_CountByStatusCodeRange(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "request_logs" WHERE \(status_code BETWEEN .+\) AND \(timestamp BETWEEN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	to := time.Now()
	count, err := repo.CountByStatusCodeRange(context.Background(), 500, 599, to.Add(-time.Hour), to)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRequestLogRepository_GetAverageResponseTime(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	mock.ExpectQuery(`SELECT COALESCE\(AVG\(response_time_ms\), 0\) FROM "request_logs"`).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(812.5))

	to := time.Now()
	avg, err := repo.GetAverageResponseTime(context.Background(), to.Add(-time.Hour), to)
	require.NoError(t, err)
	assert.Equal(t, 812.5, avg)
}

func TestRequestLogRepository_GetTopUsers(t *testing.T) {
	db, mock := newMockPostgres(t)
	repo := NewRequestLogRepository(db)

	mock.ExpectQuery(`SELECT user_email, COUNT\(\*\) AS requests.+GROUP BY "?user_email"? ORDER BY requests DESC LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"user_email", "requests", "rejected"}).
			AddRow("ann@example.com", 7, 2).
			AddRow("bob@example.com", 3, 0))

	to := time.Now()
	usage, err := repo.GetTopUsers(context.Background(), "/api/generate", to.Add(-24*time.Hour), to, 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "ann@example.com", usage[0].UserEmail)
	assert.Equal(t, int64(7), usage[0].Requests)
	assert.Equal(t, int64(2), usage[0].Rejected)
}
