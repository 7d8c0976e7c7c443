package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"imagegen-payment-api/middleware"
	"imagegen-payment-api/models"
	"imagegen-payment-api/services/checkout"
	"imagegen-payment-api/services/threeds"
	"imagegen-payment-api/utils"
)

const maxCallbackBody = 1 << 20

type ResultLoader interface {
	LoadResult(ctx context.Context, transactionID string) (threeds.DurableRecord, error)
}

// TransactionOwner reports whether a transaction belongs to the caller.
type TransactionOwner interface {
	Owns(ctx context.Context, user models.AuthUser, transactionID string) error
}

// ThreeDSHandler serves the pages the browser sees between the charge and
// the resume call.
type ThreeDSHandler struct {
	redirector     *threeds.Redirector
	relay          *threeds.Relay
	pages          *threeds.Pages
	pending        *threeds.PendingSessions
	results        ResultLoader
	owner          TransactionOwner
	clock          clockz.Clock
	formCheckDelay time.Duration
	retryDelay     time.Duration
	logger         *zap.Logger
}

func NewThreeDSHandler(redirector *threeds.Redirector, relay *threeds.Relay, pages *threeds.Pages, pending *threeds.PendingSessions, results ResultLoader, owner TransactionOwner, clock clockz.Clock, logger *zap.Logger) *ThreeDSHandler {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &ThreeDSHandler{
		redirector:     redirector,
		relay:          relay,
		pages:          pages,
		pending:        pending,
		results:        results,
		owner:          owner,
		clock:          clock,
		formCheckDelay: 500 * time.Millisecond,
		retryDelay:     800 * time.Millisecond,
		logger:         logger,
	}
}

// WithDelays overrides the form scan timings used by the callback page.
func (h *ThreeDSHandler) WithDelays(formCheck, retry time.Duration) *ThreeDSHandler {
	h.formCheckDelay = formCheck
	h.retryDelay = retry
	return h
}

// Redirect renders the auto-submitting ACS form. Each transaction can be
// served once.
func (h *ThreeDSHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["transactionId"]
	err := h.redirector.Serve(r.Context(), w, txID)
	switch {
	case err == nil:
	case errors.Is(err, threeds.ErrChallengeConsumed):
		h.logger.Warn("3ds redirect requested twice or expired", zap.String("transaction_id", txID))
		h.renderError(w, http.StatusGone, "This confirmation link has already been used. Please start the payment again.")
	default:
		h.logger.Error("failed to serve 3ds redirect", zap.String("transaction_id", txID), zap.Error(err))
		h.renderError(w, http.StatusInternalServerError, "Could not open the bank confirmation page. Please try again.")
	}
}

// Callback is the TermUrl. The ACS may send the result in the POST body or
// the query string; both are checked and the first complete pair is relayed.
func (h *ThreeDSHandler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("3ds callback body unreadable", zap.Error(err))
		body = nil
	}

	var (
		delivery threeds.Delivery
		relayErr error
	)
	detector := threeds.NewDetector(threeds.Sources{
		Body:  body,
		Query: r.URL.Query(),
	},
		threeds.WithClock(h.clock),
		threeds.WithDelays(h.formCheckDelay, h.retryDelay),
		threeds.WithLogger(h.logger),
		threeds.WithOnCapture(func(ctx context.Context, c threeds.Capture) {
			delivery, relayErr = h.deliver(ctx, r, c.Result)
		}),
	)

	if _, err := detector.Run(r.Context()); err != nil {
		h.logger.Warn("3ds callback without result",
			zap.String("method", r.Method),
			zap.Int("body_len", len(body)),
			zap.Error(err),
		)
		h.renderError(w, http.StatusOK, "We could not read the confirmation from your bank.")
		return
	}
	if isUnknownPayment(relayErr) {
		h.renderError(w, http.StatusOK, "This payment session has expired. Please start the payment again.")
		return
	}
	if relayErr != nil {
		h.logger.Error("3ds relay failed", zap.Error(relayErr))
		h.renderError(w, http.StatusInternalServerError, "We could not pass the confirmation back to the payment page.")
		return
	}

	if err := h.pages.RenderRelay(w, delivery); err != nil {
		h.logger.Error("failed to render relay page", zap.Error(err))
	}
}

// Capture receives what the error page script scraped: the page markup as
// text/html or an intercepted form submission as urlencoded.
func (h *ThreeDSHandler) Capture(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		utils.SendErrorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	sources := threeds.Sources{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/html":
		sources.Document = func(context.Context) ([]byte, error) { return body, nil }
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid form submission")
			return
		}
		submissions := make(chan url.Values, 1)
		submissions <- values
		close(submissions)
		sources.Submissions = submissions
	default:
		utils.SendErrorResponse(w, http.StatusUnsupportedMediaType, "Unsupported content type")
		return
	}

	var (
		delivery threeds.Delivery
		relayErr error
	)
	detector := threeds.NewDetector(sources,
		threeds.WithClock(h.clock),
		threeds.WithDelays(0, 0),
		threeds.WithLogger(h.logger),
		threeds.WithOnCapture(func(ctx context.Context, c threeds.Capture) {
			delivery, relayErr = h.deliver(ctx, r, c.Result)
		}),
	)

	run := detector.Run
	if r.URL.Query().Get("retry") == "1" {
		run = detector.Retry
	}
	if _, err := run(r.Context()); err != nil {
		utils.SendErrorResponse(w, http.StatusNotFound, "Confirmation data not found")
		return
	}
	if isUnknownPayment(relayErr) {
		utils.SendErrorResponse(w, http.StatusNotFound, "Confirmation data not found")
		return
	}
	if relayErr != nil {
		h.logger.Error("3ds relay failed", zap.Error(relayErr))
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Could not relay confirmation")
		return
	}

	utils.SendSuccessResponse(w, models.APIResponse{
		Status: "success",
		Data:   h.pages.Instructions(delivery),
	})
}

// Result returns the stored callback result for a successor page that
// missed the postMessage.
func (h *ThreeDSHandler) Result(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	md := r.URL.Query().Get("md")
	if md == "" {
		utils.SendErrorResponse(w, http.StatusBadRequest, "md is required")
		return
	}

	if err := h.owner.Owns(r.Context(), *user, md); err != nil {
		if errors.Is(err, checkout.ErrTransactionNotFound) {
			utils.SendErrorResponse(w, http.StatusNotFound, "Result not available")
			return
		}
		h.logger.Error("failed to check transaction owner", zap.String("transaction_id", md), zap.Error(err))
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load result")
		return
	}

	rec, err := h.results.LoadResult(r.Context(), md)
	switch {
	case err == nil:
		utils.SendSuccessResponse(w, models.APIResponse{Status: "success", Data: rec})
	case errors.Is(err, threeds.ErrResultNotFound):
		utils.SendErrorResponse(w, http.StatusNotFound, "Result not available")
	default:
		h.logger.Error("failed to load 3ds result", zap.String("transaction_id", md), zap.Error(err))
		utils.SendErrorResponse(w, http.StatusInternalServerError, "Failed to load result")
	}
}

// deliver relays a captured result only for a transaction with a live
// pending payment.
func (h *ThreeDSHandler) deliver(ctx context.Context, r *http.Request, res threeds.Result) (threeds.Delivery, error) {
	if _, err := h.pending.LoadByTransaction(ctx, r, res.TransactionID); err != nil {
		h.logger.Warn("3ds result for unknown payment dropped",
			zap.String("transaction_id", res.TransactionID),
			zap.Error(err),
		)
		return threeds.Delivery{}, err
	}
	return h.relay.Deliver(ctx, threeds.NewRelayMessage(res))
}

func isUnknownPayment(err error) bool {
	return errors.Is(err, threeds.ErrPendingNotFound) || errors.Is(err, threeds.ErrPendingExpired)
}

func (h *ThreeDSHandler) renderError(w http.ResponseWriter, status int, message string) {
	if err := h.pages.RenderError(w, status, message); err != nil {
		h.logger.Error("failed to render error page", zap.Error(err))
	}
}
