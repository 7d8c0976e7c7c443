package threeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"
)

func newTestPending(t *testing.T, store Store) *PendingSessions {
	t.Helper()
	cookies := NewCookieStore("test-secret-test-secret-test-sec", "", 3600, false, true)
	return NewPendingSessions(cookies, store, 30*time.Minute, clockz.RealClock, zaptest.NewLogger(t))
}

// reload returns a request carrying the cookies set on rec, as the browser
// would send them on the next page.
func reload(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/payments/3ds/callback", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestPendingRoundTripThroughCookie(t *testing.T) {
	store := NewMemoryStore()
	ps := newTestPending(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/payments/charge", nil)
	require.NoError(t, ps.Save(rec, req, PendingPayment{TransactionID: "504", ProductID: "pro_monthly"}))

	got, err := ps.Load(reload(rec))
	require.NoError(t, err)
	assert.Equal(t, "504", got.TransactionID)
	assert.Equal(t, "pro_monthly", got.ProductID)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestPendingMirrorServesCrossSiteCallback(t *testing.T) {
	store := NewMemoryStore()
	ps := newTestPending(t, store)

	rec := httptest.NewRecorder()
	require.NoError(t, ps.Save(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		PendingPayment{TransactionID: "504", ProductID: "pro_monthly"}))

	// The ACS POST arrives without the Lax cookie.
	bare := httptest.NewRequest(http.MethodPost, "/payments/3ds/callback", nil)
	_, err := ps.Load(bare)
	require.ErrorIs(t, err, ErrPendingNotFound)

	got, err := ps.LoadByTransaction(context.Background(), bare, "504")
	require.NoError(t, err)
	assert.Equal(t, "pro_monthly", got.ProductID)
}

func TestPendingRejectsStaleRecords(t *testing.T) {
	store := NewMemoryStore()
	ps := newTestPending(t, store)

	old := PendingPayment{TransactionID: "504", ProductID: "pro_monthly", CreatedAt: time.Now().Add(-2 * time.Hour)}
	err := ps.Save(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), old)
	require.ErrorIs(t, err, ErrPendingExpired)

	require.NoError(t, store.SavePending(context.Background(), old, 0))
	_, err = ps.LoadByTransaction(context.Background(), nil, "504")
	require.ErrorIs(t, err, ErrPendingExpired)
}

func TestPendingRejectsIncompleteRecords(t *testing.T) {
	ps := newTestPending(t, NewMemoryStore())

	err := ps.Save(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), PendingPayment{TransactionID: "504"})
	require.ErrorIs(t, err, ErrPendingNotFound)
}

func TestPendingClear(t *testing.T) {
	store := NewMemoryStore()
	ps := newTestPending(t, store)

	rec := httptest.NewRecorder()
	require.NoError(t, ps.Save(rec, httptest.NewRequest(http.MethodPost, "/", nil),
		PendingPayment{TransactionID: "504", ProductID: "pro_monthly"}))

	cleared := httptest.NewRecorder()
	require.NoError(t, ps.Clear(cleared, reload(rec), "504"))

	_, err := store.LoadPending(context.Background(), "504")
	require.ErrorIs(t, err, ErrPendingNotFound)

	_, err = ps.Load(reload(cleared))
	require.ErrorIs(t, err, ErrPendingNotFound)
}
