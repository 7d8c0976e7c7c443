package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"imagegen-payment-api/models"
)

var ErrAttemptNotFound = models.ErrAttemptNotFound

// lockTTL is how long a resume lock survives a crashed holder.
const lockTTL = 5 * time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS payment_attempts (
    transaction_id VARCHAR(64) NOT NULL PRIMARY KEY,
    account_id     VARCHAR(64) NOT NULL,
    email          VARCHAR(255) NOT NULL,
    product_id     VARCHAR(64) NOT NULL,
    status         VARCHAR(32) NOT NULL,
    message        VARCHAR(512) NOT NULL DEFAULT '',
    needs_followup TINYINT(1) NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    KEY idx_payment_attempts_followup (needs_followup, status)
);
CREATE TABLE IF NOT EXISTS payment_attempt_locks (
    transaction_id VARCHAR(64) NOT NULL PRIMARY KEY,
    locked_at      DATETIME NOT NULL
);`

// EnsureSchema creates the journal tables when they are missing.
func (c *Connection) EnsureSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// RecordAttempt inserts an attempt, or refreshes it if the proxy reused the id.
func (c *Connection) RecordAttempt(ctx context.Context, a models.PaymentAttempt) error {
	if !a.Status.IsValid() {
		return fmt.Errorf("invalid attempt status %q", a.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO payment_attempts (
            transaction_id, account_id, email, product_id,
            status, message, needs_followup, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP(), UTC_TIMESTAMP())
        ON DUPLICATE KEY UPDATE
            status = VALUES(status),
            message = VALUES(message),
            needs_followup = VALUES(needs_followup),
            updated_at = UTC_TIMESTAMP()
    `, a.TransactionID, a.AccountID, a.Email, a.ProductID, a.Status, truncate(a.Message, 512), a.NeedsFollowUp)
	if err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}

	c.logger.Debug("payment attempt recorded",
		zap.String("transaction_id", a.TransactionID),
		zap.String("status", a.Status.String()),
	)
	return nil
}

func (c *Connection) GetAttempt(ctx context.Context, transactionID string) (*models.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var a models.PaymentAttempt
	err := c.db.QueryRowContext(ctx, `
        SELECT transaction_id, account_id, email, product_id, status, message, needs_followup
        FROM payment_attempts
        WHERE transaction_id = ?
    `, transactionID).Scan(&a.TransactionID, &a.AccountID, &a.Email, &a.ProductID, &a.Status, &a.Message, &a.NeedsFollowUp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment attempt: %w", err)
	}
	return &a, nil
}

func (c *Connection) UpdateAttempt(ctx context.Context, transactionID string, status models.AttemptStatus, message string, needsFollowUp bool) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid attempt status %q", status)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := c.db.ExecContext(ctx, `
        UPDATE payment_attempts
        SET status = ?, message = ?, needs_followup = ?, updated_at = UTC_TIMESTAMP()
        WHERE transaction_id = ?
    `, status, truncate(message, 512), needsFollowUp, transactionID)
	if err != nil {
		return fmt.Errorf("failed to update payment attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// PendingFollowUps lists charged attempts whose activation still needs a human.
func (c *Connection) PendingFollowUps(ctx context.Context, limit int) ([]models.PaymentAttempt, error) {
	rows, err := c.db.QueryContext(ctx, `
        SELECT transaction_id, account_id, email, product_id, status, message, needs_followup
        FROM payment_attempts
        WHERE needs_followup = 1
        ORDER BY updated_at ASC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-ups: %w", err)
	}
	defer rows.Close()

	var attempts []models.PaymentAttempt
	for rows.Next() {
		var a models.PaymentAttempt
		if err := rows.Scan(&a.TransactionID, &a.AccountID, &a.Email, &a.ProductID, &a.Status, &a.Message, &a.NeedsFollowUp); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LockAttempt takes the resume lock for a transaction. It reports false when
// another resume holds a fresh lock.
func (c *Connection) LockAttempt(ctx context.Context, transactionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := c.db.ExecContext(ctx, `
        INSERT INTO payment_attempt_locks (transaction_id, locked_at)
        VALUES (?, UTC_TIMESTAMP())
        ON DUPLICATE KEY UPDATE
        locked_at = IF(locked_at < UTC_TIMESTAMP() - INTERVAL ? SECOND, UTC_TIMESTAMP(), locked_at)
    `, transactionID, int(lockTTL.Seconds()))
	if err != nil {
		return false, fmt.Errorf("error acquiring lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *Connection) ReleaseAttempt(ctx context.Context, transactionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM payment_attempt_locks WHERE transaction_id = ?`, transactionID); err != nil {
		return fmt.Errorf("error releasing lock: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
