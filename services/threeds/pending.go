package threeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	PendingSessionName = "pending-payment"

	sessionKeyTransactionID = "3ds_transaction_id"
	sessionKeyProductID     = "selected_product_id"
	sessionKeyProductTime   = "selected_product_time"
)

// PendingSessions keeps the pending payment in a signed cookie and mirrors
// it to the store. The ACS posts back cross-site, so the cookie is often
// missing on the callback and the mirror is the only copy.
type PendingSessions struct {
	cookies sessions.Store
	store   Store
	maxAge  time.Duration
	clock   clockz.Clock
	logger  *zap.Logger
}

func NewPendingSessions(cookies sessions.Store, store Store, maxAge time.Duration, clock clockz.Clock, logger *zap.Logger) *PendingSessions {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingSessions{cookies: cookies, store: store, maxAge: maxAge, clock: clock, logger: logger}
}

// NewCookieStore builds the cookie store used for the pending payment.
func NewCookieStore(secret, domain string, maxAge int, secure, httpOnly bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   domain,
		MaxAge:   maxAge,
		Secure:   secure,
		HttpOnly: httpOnly,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Save writes p to the cookie and the mirror. Both writes finish before the
// caller may send the redirect.
func (s *PendingSessions) Save(w http.ResponseWriter, r *http.Request, p PendingPayment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	if err := p.Validate(s.clock.Now(), s.maxAge); err != nil {
		return err
	}

	if err := s.store.SavePending(r.Context(), p, s.maxAge); err != nil {
		return err
	}

	session, err := s.cookies.Get(r, PendingSessionName)
	if err != nil {
		s.logger.Debug("replacing unreadable pending session", zap.Error(err))
	}
	session.Values[sessionKeyTransactionID] = p.TransactionID
	session.Values[sessionKeyProductID] = p.ProductID
	session.Values[sessionKeyProductTime] = p.CreatedAt.UnixMilli()
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("failed to save pending session: %w", err)
	}
	return nil
}

// Load reads the pending payment from the cookie, falling back to the
// mirror when the cookie is absent. Stale or incomplete records are
// rejected.
func (s *PendingSessions) Load(r *http.Request) (PendingPayment, error) {
	if p, ok := s.fromCookie(r); ok {
		return p, p.Validate(s.clock.Now(), s.maxAge)
	}
	return PendingPayment{}, ErrPendingNotFound
}

// LoadByTransaction prefers the cookie when it names the same transaction
// and otherwise reads the mirror.
func (s *PendingSessions) LoadByTransaction(ctx context.Context, r *http.Request, transactionID string) (PendingPayment, error) {
	if r != nil {
		if p, ok := s.fromCookie(r); ok && p.TransactionID == transactionID {
			return p, p.Validate(s.clock.Now(), s.maxAge)
		}
	}

	p, err := s.store.LoadPending(ctx, transactionID)
	if err != nil {
		return PendingPayment{}, err
	}
	return p, p.Validate(s.clock.Now(), s.maxAge)
}

// Clear removes the pending payment from the cookie and the mirror.
func (s *PendingSessions) Clear(w http.ResponseWriter, r *http.Request, transactionID string) error {
	var errs []error
	if transactionID != "" {
		if err := s.store.DeletePending(r.Context(), transactionID); err != nil {
			errs = append(errs, err)
		}
	}

	session, _ := s.cookies.Get(r, PendingSessionName)
	delete(session.Values, sessionKeyTransactionID)
	delete(session.Values, sessionKeyProductID)
	delete(session.Values, sessionKeyProductTime)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear pending session: %w", err))
	}
	return errors.Join(errs...)
}

func (s *PendingSessions) fromCookie(r *http.Request) (PendingPayment, bool) {
	session, err := s.cookies.Get(r, PendingSessionName)
	if err != nil || session.IsNew {
		return PendingPayment{}, false
	}

	txID, _ := session.Values[sessionKeyTransactionID].(string)
	productID, _ := session.Values[sessionKeyProductID].(string)
	createdMs, _ := session.Values[sessionKeyProductTime].(int64)
	if txID == "" && productID == "" {
		return PendingPayment{}, false
	}

	p := PendingPayment{TransactionID: txID, ProductID: productID}
	if createdMs > 0 {
		p.CreatedAt = time.UnixMilli(createdMs)
	}
	return p, true
}
