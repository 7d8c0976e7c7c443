package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"

	"imagegen-payment-api/middleware"
	"imagegen-payment-api/models"
	"imagegen-payment-api/services/checkout"
	"imagegen-payment-api/services/threeds"
)

// fakeOwners maps transaction IDs to the account that charged them.
type fakeOwners map[string]string

func (o fakeOwners) Owns(ctx context.Context, user models.AuthUser, transactionID string) error {
	if acc, ok := o[transactionID]; !ok || acc != user.AccountID {
		return checkout.ErrTransactionNotFound
	}
	return nil
}

type threeDSFixture struct {
	handler *ThreeDSHandler
	store   *threeds.MemoryStore
	owners  fakeOwners
}

func (fx *threeDSFixture) expect(t *testing.T, transactionID string) {
	t.Helper()
	require.NoError(t, fx.store.SavePending(context.Background(),
		threeds.PendingPayment{TransactionID: transactionID, ProductID: "pro_monthly", CreatedAt: time.Now()}, time.Hour))
}

func newThreeDSFixture(t *testing.T) *threeDSFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := threeds.NewMemoryStore()
	cookies := threeds.NewCookieStore("handler-secret-handler-secret-32", "", 3600, false, true)
	pending := threeds.NewPendingSessions(cookies, store, 30*time.Minute, clockz.RealClock, logger)
	pages := threeds.NewPages(threeds.PageConfig{ProfileURL: "/profile", CountdownSeconds: 10})
	redirector := threeds.NewRedirector(store, pending, pages, "https://app.example.com/payments/3ds/callback", 15*time.Minute, logger)
	relay := threeds.NewRelay("https://app.example.com", logger,
		threeds.OpenerChannel{CloseAfter: 2 * time.Second},
		threeds.ParentChannel{},
		threeds.DurableChannel{Store: store, TTL: time.Hour},
	)

	owners := fakeOwners{}
	h := NewThreeDSHandler(redirector, relay, pages, pending, store, owners, clockz.RealClock, logger).
		WithDelays(10*time.Millisecond, 20*time.Millisecond)
	return &threeDSFixture{handler: h, store: store, owners: owners}
}

func TestRedirectServesOnce(t *testing.T) {
	fx := newThreeDSFixture(t)
	require.NoError(t, fx.store.SaveChallenge(context.Background(),
		threeds.ChallengeParams{AcsURL: "https://acs.example.com/challenge", PaReq: "eJxVUdtu", TransactionID: "504"}, time.Minute))

	serve := func() *httptest.ResponseRecorder {
		req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/payments/3ds/redirect/504", nil),
			map[string]string{"transactionId": "504"})
		rec := httptest.NewRecorder()
		fx.handler.Redirect(rec, req)
		return rec
	}

	first := serve()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Contains(t, first.Body.String(), `action="https://acs.example.com/challenge"`)
	assert.Contains(t, first.Body.String(), `value="eJxVUdtu"`)

	second := serve()
	assert.Equal(t, http.StatusGone, second.Code)
	assert.NotContains(t, second.Body.String(), "acs.example.com")
}

func TestCallbackRelaysPostBody(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.expect(t, "504")
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/callback", strings.NewReader("PaRes=eJzLSM3J&MD=504"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	fx.handler.Callback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "applyRelay(")
	assert.Contains(t, rec.Body.String(), `"paRes":"eJzLSM3J"`)

	rec2, err := fx.store.LoadResult(context.Background(), "504")
	require.NoError(t, err)
	assert.Equal(t, "eJzLSM3J", rec2.PaRes)
}

func TestCallbackReadsQueryString(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.expect(t, "777")
	rec := httptest.NewRecorder()

	fx.handler.Callback(rec, httptest.NewRequest(http.MethodGet, "/payments/3ds/callback?pares=abc&md=777", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := fx.store.LoadResult(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, "abc", stored.PaRes)
}

func TestCallbackWithoutDataRendersRecoveryPage(t *testing.T) {
	fx := newThreeDSFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/callback", strings.NewReader("MD=504"))
	rec := httptest.NewRecorder()

	fx.handler.Callback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `id="retry"`)
	_, err := fx.store.LoadResult(context.Background(), "504")
	assert.ErrorIs(t, err, threeds.ErrResultNotFound)
}

func TestCaptureFromDocument(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.expect(t, "900")
	doc := `<html><body><form method="post"><input name="PaRes" value="dom-pares"><input name="MD" value="900"></form></body></html>`
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/capture", strings.NewReader(doc))
	req.Header.Set("Content-Type", "text/html; charset=utf-8")
	rec := httptest.NewRecorder()

	fx.handler.Capture(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeResponse(t, rec)
	assert.Equal(t, "success", out["status"])
	data := out["data"].(map[string]interface{})
	assert.Equal(t, "https://app.example.com", data["targetOrigin"])
	assert.Equal(t, "/profile", data["resumeUrl"])
	msg := data["message"].(map[string]interface{})
	assert.Equal(t, "dom-pares", msg["paRes"])
	assert.Equal(t, "900", msg["transactionId"])
}

func TestCaptureFromSubmission(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.expect(t, "901")
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/capture?retry=1", strings.NewReader("PaRes=submitted&MD=901"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	fx.handler.Capture(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := fx.store.LoadResult(context.Background(), "901")
	require.NoError(t, err)
	assert.Equal(t, "submitted", stored.PaRes)
}

func TestCaptureNotFound(t *testing.T) {
	fx := newThreeDSFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/capture", strings.NewReader("<html><body><p>nothing</p></body></html>"))
	req.Header.Set("Content-Type", "text/html")
	rec := httptest.NewRecorder()

	fx.handler.Capture(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureRejectsUnknownContentType(t *testing.T) {
	fx := newThreeDSFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/capture", strings.NewReader(`{"PaRes":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	fx.handler.Capture(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestCaptureForUnknownPaymentIsNotRelayed(t *testing.T) {
	fx := newThreeDSFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/capture", strings.NewReader("PaRes=forged&MD=TX404"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	fx.handler.Capture(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, err := fx.store.LoadResult(context.Background(), "TX404")
	assert.ErrorIs(t, err, threeds.ErrResultNotFound)
}

func TestCaptureCannotOverwriteAfterPendingCleared(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.expect(t, "TX1")

	genuine := httptest.NewRequest(http.MethodPost, "/payments/3ds/callback", strings.NewReader("PaRes=genuine&MD=TX1"))
	genuine.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	fx.handler.Callback(httptest.NewRecorder(), genuine)

	require.NoError(t, fx.store.DeletePending(context.Background(), "TX1"))

	forged := httptest.NewRequest(http.MethodPost, "/payments/3ds/capture", strings.NewReader("PaRes=forged&MD=TX1"))
	forged.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	fx.handler.Capture(rec, forged)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	stored, err := fx.store.LoadResult(context.Background(), "TX1")
	require.NoError(t, err)
	assert.Equal(t, "genuine", stored.PaRes)
}

func TestCallbackForExpiredPaymentIsNotRelayed(t *testing.T) {
	fx := newThreeDSFixture(t)
	require.NoError(t, fx.store.SavePending(context.Background(),
		threeds.PendingPayment{TransactionID: "TX2", ProductID: "pro_monthly", CreatedAt: time.Now().Add(-time.Hour)}, time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/payments/3ds/callback", strings.NewReader("PaRes=late&MD=TX2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	fx.handler.Callback(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "applyRelay(")
	_, err := fx.store.LoadResult(context.Background(), "TX2")
	assert.ErrorIs(t, err, threeds.ErrResultNotFound)
}

func asUser(req *http.Request, accountID string) *http.Request {
	return req.WithContext(middleware.WithUser(req.Context(), &models.AuthUser{AccountID: accountID, Token: "token-" + accountID}))
}

func TestResultLookup(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.owners["504"] = "acc-1"

	rec := httptest.NewRecorder()
	fx.handler.Result(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/payments/3ds/result", nil), "acc-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	fx.handler.Result(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/payments/3ds/result?md=504", nil), "acc-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, fx.store.SaveResult(context.Background(),
		threeds.DurableRecord{PaRes: "stored", TransactionID: "504", Timestamp: 1700000000000}, time.Hour))

	rec = httptest.NewRecorder()
	fx.handler.Result(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/payments/3ds/result?md=504", nil), "acc-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeResponse(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "stored", data["paRes"])
}

func TestResultHiddenFromOtherAccounts(t *testing.T) {
	fx := newThreeDSFixture(t)
	fx.owners["TX9"] = "acc-1"
	require.NoError(t, fx.store.SaveResult(context.Background(),
		threeds.DurableRecord{PaRes: "secret", TransactionID: "TX9", Timestamp: 1700000000000}, time.Hour))

	rec := httptest.NewRecorder()
	fx.handler.Result(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/payments/3ds/result?md=TX9", nil), "mallory"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = httptest.NewRecorder()
	fx.handler.Result(rec, httptest.NewRequest(http.MethodGet, "/api/payments/3ds/result?md=TX9", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
