package database

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imagegen-payment-api/models"
)

func TestDSN(t *testing.T) {
	dsn := DatabaseConfig{Host: "db:3306", User: "app", Password: "secret", DBName: "imagegen"}.DSN()
	assert.Contains(t, dsn, "app:secret@tcp(db:3306)/imagegen")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(schema)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "payment_attempts (")
	assert.Contains(t, stmts[1], "payment_attempt_locks")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
}

// The journal tests need a disposable MySQL database, e.g.
// TEST_MYSQL_HOST=localhost:3306 TEST_MYSQL_USER=root TEST_MYSQL_DB=imagegen_test.
func testConnection(t *testing.T) *Connection {
	t.Helper()
	host := os.Getenv("TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("TEST_MYSQL_HOST not set")
	}
	conn, err := NewConnection(DatabaseConfig{
		Host:     host,
		User:     os.Getenv("TEST_MYSQL_USER"),
		Password: os.Getenv("TEST_MYSQL_PASSWORD"),
		DBName:   os.Getenv("TEST_MYSQL_DB"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.EnsureSchema(context.Background()))
	return conn
}

func TestAttemptJournal(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	txID := "test-" + uuid.NewString()

	require.NoError(t, conn.RecordAttempt(ctx, models.PaymentAttempt{
		TransactionID: txID,
		AccountID:     "42",
		Email:         "ana@example.com",
		ProductID:     "pro_monthly",
		Status:        models.AttemptStatusPending3DS,
	}))

	require.NoError(t, conn.UpdateAttempt(ctx, txID, models.AttemptStatusActivationFailed, "manage.php 500", true))

	a, err := conn.GetAttempt(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusActivationFailed, a.Status)
	assert.True(t, a.NeedsFollowUp)

	_, err = conn.GetAttempt(ctx, "missing-"+txID)
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestAttemptLock(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	txID := "lock-" + uuid.NewString()

	ok, err := conn.LockAttempt(ctx, txID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conn.LockAttempt(ctx, txID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, conn.ReleaseAttempt(ctx, txID))
	ok, err = conn.LockAttempt(ctx, txID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, conn.ReleaseAttempt(ctx, txID))
}
