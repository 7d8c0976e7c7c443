package threeds

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStepUpDataIncomplete means the proxy asked for 3DS without one of
	// acsUrl, paReq or transactionId. It must never lead to a redirect.
	ErrStepUpDataIncomplete = errors.New("3ds step-up data incomplete")
	ErrCallbackDataNotFound = errors.New("3ds callback data not found")
	ErrPendingNotFound      = errors.New("pending payment not found")
	ErrPendingExpired       = errors.New("pending payment expired")
	ErrChallengeConsumed    = errors.New("3ds challenge not found or already used")
	ErrResultNotFound       = errors.New("3ds result not found")
)

// ChallengeParams are the step-up values returned by a charge attempt.
type ChallengeParams struct {
	AcsURL        string `json:"acsUrl"`
	PaReq         string `json:"paReq"`
	TransactionID string `json:"transactionId"`
}

// Complete reports whether all three fields are present.
func (p ChallengeParams) Complete() bool {
	return p.AcsURL != "" && p.PaReq != "" && p.TransactionID != ""
}

// Result is what the ACS hands back to the TermUrl.
type Result struct {
	PaRes         string `json:"paRes"`
	TransactionID string `json:"transactionId"`
}

// Valid is false for partial data, which detection discards.
func (r Result) Valid() bool {
	return r.PaRes != "" && r.TransactionID != ""
}

// RelayMessage is posted to the originating window. MD repeats TransactionID
// for consumers that still read the old field name.
type RelayMessage struct {
	PaRes         string `json:"paRes"`
	TransactionID string `json:"transactionId"`
	MD            string `json:"md"`
}

func NewRelayMessage(r Result) RelayMessage {
	return RelayMessage{PaRes: r.PaRes, TransactionID: r.TransactionID, MD: r.TransactionID}
}

func (m RelayMessage) Result() Result {
	id := m.TransactionID
	if id == "" {
		id = m.MD
	}
	return Result{PaRes: m.PaRes, TransactionID: id}
}

// DurableRecord is the stored fallback a successor page can poll.
// Timestamp is in Unix milliseconds.
type DurableRecord struct {
	PaRes         string `json:"paRes"`
	TransactionID string `json:"transactionId"`
	Timestamp     int64  `json:"timestamp"`
}

// PendingPayment links a redirect to the product that was being bought.
type PendingPayment struct {
	TransactionID string    `json:"transactionId"`
	ProductID     string    `json:"productId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Validate rejects records with missing fields or older than maxAge.
func (p PendingPayment) Validate(now time.Time, maxAge time.Duration) error {
	if p.TransactionID == "" || p.ProductID == "" || p.CreatedAt.IsZero() {
		return ErrPendingNotFound
	}
	if maxAge > 0 && now.Sub(p.CreatedAt) > maxAge {
		return fmt.Errorf("%w: created %s ago", ErrPendingExpired, now.Sub(p.CreatedAt).Round(time.Second))
	}
	return nil
}
