package models

import "errors"

// ErrAttemptNotFound is returned by journals for an unknown transaction.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// AttemptStatus is the journal state of a payment attempt.
type AttemptStatus string

const (
	AttemptStatusPending3DS       AttemptStatus = "pending_3ds"
	AttemptStatusRejected         AttemptStatus = "rejected"
	AttemptStatusVerified         AttemptStatus = "verified"
	AttemptStatusVerifyFailed     AttemptStatus = "verify_failed"
	AttemptStatusActivated        AttemptStatus = "activated"
	AttemptStatusActivationFailed AttemptStatus = "activation_failed"
)

func (s AttemptStatus) String() string {
	return string(s)
}

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptStatusPending3DS, AttemptStatusRejected,
		AttemptStatusVerified, AttemptStatusVerifyFailed,
		AttemptStatusActivated, AttemptStatusActivationFailed:
		return true
	}
	return false
}

// IsCharged reports whether money moved for an attempt in this state.
func (s AttemptStatus) IsCharged() bool {
	return s == AttemptStatusVerified || s == AttemptStatusActivated || s == AttemptStatusActivationFailed
}

// PaymentAttempt is one journal row.
type PaymentAttempt struct {
	TransactionID string        `json:"transaction_id"`
	AccountID     string        `json:"account_id"`
	Email         string        `json:"email"`
	ProductID     string        `json:"product_id"`
	Status        AttemptStatus `json:"status"`
	Message       string        `json:"message,omitempty"`
	NeedsFollowUp bool          `json:"needs_followup"`
}
