package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagegen-payment-api/middleware"
	"imagegen-payment-api/models"
	"imagegen-payment-api/services/checkout"
	"imagegen-payment-api/services/threeds"
	"imagegen-payment-api/utils"
)

const maxJSONBody = 64 << 10

type PaymentFlow interface {
	Charge(ctx context.Context, user models.AuthUser, in checkout.ChargeInput) (*checkout.ChargeResult, error)
	Resume(ctx context.Context, user models.AuthUser, in checkout.ResumeInput) (*checkout.ResumeResult, error)
}

type PaymentHandler struct {
	flow       PaymentFlow
	redirector *threeds.Redirector
	pending    *threeds.PendingSessions
	logger     *zap.Logger
}

func NewPaymentHandler(flow PaymentFlow, redirector *threeds.Redirector, pending *threeds.PendingSessions, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{flow: flow, redirector: redirector, pending: pending, logger: logger}
}

// Charge starts a payment. A step-up is persisted before the response so the
// browser can navigate straight to the returned redirect URL.
func (h *PaymentHandler) Charge(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := h.logger.With(zap.String("request_id", requestID))

	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req models.ChargeRequest
	if err := decodeJSON(r, &req); err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ProductID = strings.TrimSpace(req.ProductID)

	res, err := h.flow.Charge(r.Context(), *user, checkout.ChargeInput{
		ProductID:  req.ProductID,
		Cryptogram: req.CardCryptogramPacket,
		Card:       req.Card,
	})
	if err != nil {
		h.sendPaymentError(w, log, err, req.ProductID)
		return
	}

	switch res.Status {
	case checkout.Status3DSRequired:
		redirectURL, err := h.redirector.Prepare(w, r, *res.Challenge, req.ProductID)
		if err != nil {
			if errors.Is(err, threeds.ErrStepUpDataIncomplete) {
				h.sendPaymentError(w, log, err, req.ProductID)
				return
			}
			log.Error("failed to persist 3ds redirect", zap.String("transaction_id", res.TransactionID), zap.Error(err))
			utils.SendErrorResponse(w, http.StatusInternalServerError, "Could not start card confirmation")
			return
		}

		utils.SendSuccessResponse(w, models.APIResponse{
			Status:  string(checkout.Status3DSRequired),
			Message: "Card confirmation required",
			Data: map[string]string{
				"transactionId": res.TransactionID,
				"redirectUrl":   redirectURL,
			},
		})
	case checkout.StatusPartial:
		utils.SendSuccessResponse(w, models.APIResponse{
			Status:  string(checkout.StatusPartial),
			Message: res.Message,
			Data:    map[string]string{"transactionId": res.TransactionID, "productId": req.ProductID},
		})
	default:
		utils.SendSuccessResponse(w, models.APIResponse{
			Status:  "success",
			Message: "Payment completed",
			Data:    map[string]string{"transactionId": res.TransactionID, "productId": req.ProductID},
		})
	}
}

// Resume completes a 3DS payment. MD and PaRes may come from the body, the
// pending session, or the stored callback result, in that order.
func (h *PaymentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With(zap.String("request_id", uuid.NewString()))

	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req models.ResumeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var pending threeds.PendingPayment
	if req.MD == "" {
		p, err := h.pending.Load(r)
		switch {
		case errors.Is(err, threeds.ErrPendingExpired):
			h.clearPending(w, r, log, p.TransactionID)
			utils.SendErrorResponse(w, http.StatusGone, "This payment session has expired. Please start again.")
			return
		case err != nil:
			utils.SendErrorResponse(w, http.StatusNotFound, "No payment is waiting for confirmation")
			return
		}
		pending = p
		req.MD = p.TransactionID
	} else if p, err := h.pending.LoadByTransaction(r.Context(), r, req.MD); err == nil {
		pending = p
	}

	res, err := h.flow.Resume(r.Context(), *user, checkout.ResumeInput{MD: req.MD, PaRes: req.PaRes})
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrResumeInProgress):
			utils.SendErrorResponse(w, http.StatusConflict, "Payment confirmation is already in progress")
		case errors.Is(err, checkout.ErrTransactionNotFound):
			utils.SendErrorResponse(w, http.StatusNotFound, "No payment is waiting for confirmation")
		case errors.Is(err, checkout.ErrCallbackDataNotFound):
			utils.SendErrorResponse(w, http.StatusNotFound, "Card confirmation result not found yet")
		default:
			if errors.Is(err, checkout.ErrVerificationFailed) {
				h.clearPending(w, r, log, req.MD)
			}
			h.sendPaymentError(w, log, err, pending.ProductID)
		}
		return
	}

	h.clearPending(w, r, log, req.MD)

	data := map[string]string{"transactionId": res.TransactionID, "productId": pending.ProductID}
	if res.Status == checkout.StatusPartial {
		utils.SendSuccessResponse(w, models.APIResponse{Status: string(checkout.StatusPartial), Message: res.Message, Data: data})
		return
	}
	utils.SendSuccessResponse(w, models.APIResponse{Status: "success", Message: "Payment completed", Data: data})
}

func (h *PaymentHandler) clearPending(w http.ResponseWriter, r *http.Request, log *zap.Logger, txID string) {
	if err := h.pending.Clear(w, r, txID); err != nil {
		log.Warn("failed to clear pending payment", zap.String("transaction_id", txID), zap.Error(err))
	}
}

// sendPaymentError keeps the product selection so the user goes back to
// card entry rather than product choice.
func (h *PaymentHandler) sendPaymentError(w http.ResponseWriter, log *zap.Logger, err error, productID string) {
	var perr *checkout.PaymentError
	if !errors.As(err, &perr) {
		perr = &checkout.PaymentError{Err: err, RetryStep: checkout.RetryStepPaymentMethod}
	}

	status := http.StatusBadRequest
	message := perr.Message
	switch {
	case errors.Is(err, checkout.ErrSdkUnavailable):
		status = http.StatusServiceUnavailable
		message = "Card processing is temporarily unavailable. Please try again."
	case errors.Is(err, checkout.ErrStepUpDataIncomplete):
		status = http.StatusBadGateway
		message = "The bank did not provide confirmation details. Please try again."
	case errors.Is(err, checkout.ErrChargeRejected), errors.Is(err, checkout.ErrVerificationFailed),
		errors.Is(err, checkout.ErrCryptogramGenerationFailed), errors.Is(err, checkout.ErrPaymentMethodMissing),
		errors.Is(err, checkout.ErrProductMissing):
	default:
		status = http.StatusBadGateway
		message = "Payment service is unavailable. Please try again."
		log.Error("payment request failed", zap.Error(err))
	}
	if message == "" {
		message = "Payment failed"
	}

	log.Info("payment not completed", zap.Int("status", status), zap.NamedError("reason", err))
	utils.SendJSON(w, status, models.APIResponse{
		Status:  "error",
		Message: message,
		Data: map[string]string{
			"retryStep": perr.RetryStep,
			"productId": productID,
		},
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	return dec.Decode(v)
}
