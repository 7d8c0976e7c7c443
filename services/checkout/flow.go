package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagegen-payment-api/metrics"
	"imagegen-payment-api/models"
	"imagegen-payment-api/queue"
	"imagegen-payment-api/services/proxy"
	"imagegen-payment-api/services/threeds"
)

type PaymentProxy interface {
	ProcessPayment(ctx context.Context, req proxy.ChargeRequest) (*proxy.ChargeResponse, error)
	Process3DS(ctx context.Context, req proxy.VerifyRequest) (*proxy.VerifyResponse, error)
	ActivateSubscription(ctx context.Context, token string) (*proxy.ActivationResponse, error)
}

type CryptogramGenerator interface {
	Create(ctx context.Context, card models.CardData) (string, error)
}

// Journal records attempts so resumes can be locked and follow-ups found.
type Journal interface {
	RecordAttempt(ctx context.Context, attempt models.PaymentAttempt) error
	GetAttempt(ctx context.Context, transactionID string) (*models.PaymentAttempt, error)
	UpdateAttempt(ctx context.Context, transactionID string, status models.AttemptStatus, message string, needsFollowUp bool) error
	LockAttempt(ctx context.Context, transactionID string) (bool, error)
	ReleaseAttempt(ctx context.Context, transactionID string) error
}

type Enqueuer interface {
	EnqueueDelayed(ctx context.Context, jobType queue.JobType, data map[string]interface{}, delay time.Duration) error
}

// DefaultFollowUpDelay gives the activation endpoint a moment to recover
// before the first follow-up runs.
const DefaultFollowUpDelay = 30 * time.Second

// ResultSource returns the durable 3DS result left by the callback page.
type ResultSource interface {
	LoadResult(ctx context.Context, transactionID string) (threeds.DurableRecord, error)
}

// Status is the terminal state reported to the front end.
type Status string

const (
	StatusCompleted Status = "completed"
	// StatusPartial means the card was charged but the subscription is not
	// active yet. It is never reported as a plain success.
	StatusPartial     Status = "partial"
	Status3DSRequired Status = "3ds_required"
)

type ChargeInput struct {
	ProductID  string
	Cryptogram string
	Card       *models.CardData
}

type ChargeResult struct {
	Status        Status
	TransactionID string
	Challenge     *threeds.ChallengeParams
	Message       string
}

type ResumeInput struct {
	MD    string
	PaRes string
}

type ResumeResult struct {
	Status        Status
	TransactionID string
	Message       string
}

type Flow struct {
	proxy     PaymentProxy
	generator CryptogramGenerator
	journal   Journal
	jobs      Enqueuer
	results   ResultSource
	appID     string
	logger    *zap.Logger

	followUpDelay time.Duration
}

func NewFlow(p PaymentProxy, generator CryptogramGenerator, journal Journal, jobs Enqueuer, results ResultSource, appID string, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		proxy:     p,
		generator: generator,
		journal:   journal,
		jobs:      jobs,
		results:   results,
		appID:     appID,
		logger:    logger,

		followUpDelay: DefaultFollowUpDelay,
	}
}

// WithFollowUpDelay sets when the first activation follow-up runs.
func (f *Flow) WithFollowUpDelay(d time.Duration) *Flow {
	f.followUpDelay = d
	return f
}

// Charge submits one payment attempt. A failed charge is never retried here;
// the user resubmits and a fresh cryptogram is generated.
func (f *Flow) Charge(ctx context.Context, user models.AuthUser, in ChargeInput) (*ChargeResult, error) {
	if in.ProductID == "" {
		return nil, paymentError(ErrProductMissing, "Select a product first")
	}

	packet := in.Cryptogram
	if packet == "" {
		if in.Card == nil {
			return nil, paymentError(ErrPaymentMethodMissing, "Enter your card details")
		}
		var err error
		packet, err = f.generator.Create(ctx, *in.Card)
		if err != nil {
			metrics.ChargeOutcomes.WithLabelValues("cryptogram_error").Inc()
			return nil, paymentError(err, "Could not process card details")
		}
	}

	resp, err := f.proxy.ProcessPayment(ctx, proxy.ChargeRequest{
		CardCryptogramPacket: packet,
		Email:                user.Email,
		ProductID:            in.ProductID,
		AccountID:            user.AccountID,
		AppID:                f.appID,
	})
	if err != nil {
		metrics.ChargeOutcomes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("charge request failed: %w", err)
	}

	class, err := ClassifyCharge(resp)
	if err != nil {
		outcome := "rejected"
		if errors.Is(err, ErrStepUpDataIncomplete) {
			outcome = "step_up_incomplete"
			f.logger.Error("proxy requested 3ds without complete params",
				zap.String("transaction_id", class.TransactionID),
				zap.String("product_id", in.ProductID),
			)
		}
		metrics.ChargeOutcomes.WithLabelValues(outcome).Inc()
		if class.TransactionID != "" {
			f.record(ctx, user, in.ProductID, class.TransactionID, models.AttemptStatusRejected, resp.Message)
		}
		return nil, err
	}

	switch class.Outcome {
	case OutcomeStepUp:
		metrics.ChargeOutcomes.WithLabelValues("step_up").Inc()
		// Resume checks ownership against this row.
		if err := f.journal.RecordAttempt(ctx, f.attempt(user, in.ProductID, class.TransactionID, models.AttemptStatusPending3DS, class.Message)); err != nil {
			return nil, fmt.Errorf("record payment attempt: %w", err)
		}
		challenge := class.Challenge
		return &ChargeResult{
			Status:        Status3DSRequired,
			TransactionID: class.TransactionID,
			Challenge:     &challenge,
		}, nil
	default:
		metrics.ChargeOutcomes.WithLabelValues("success").Inc()
		txID := class.TransactionID
		if txID == "" {
			txID = "local-" + uuid.NewString()
		}
		f.record(ctx, user, in.ProductID, txID, models.AttemptStatusVerified, class.Message)

		status, msg := f.activate(ctx, user, txID, in.ProductID)
		return &ChargeResult{Status: status, TransactionID: txID, Message: msg}, nil
	}
}

// Resume finishes a 3DS payment: verify the ACS result, then activate.
// Only the account that made the charge may resume it. A missing PaRes is
// filled from the durable result.
func (f *Flow) Resume(ctx context.Context, user models.AuthUser, in ResumeInput) (*ResumeResult, error) {
	if in.MD == "" {
		return nil, ErrCallbackDataNotFound
	}
	if _, err := f.ownedAttempt(ctx, user, in.MD); err != nil {
		return nil, err
	}

	locked, err := f.journal.LockAttempt(ctx, in.MD)
	if err != nil {
		return nil, fmt.Errorf("lock payment attempt: %w", err)
	}
	if !locked {
		return nil, ErrResumeInProgress
	}
	defer func() {
		if err := f.journal.ReleaseAttempt(context.WithoutCancel(ctx), in.MD); err != nil {
			f.logger.Warn("failed to release attempt lock", zap.String("transaction_id", in.MD), zap.Error(err))
		}
	}()

	// Read again under the lock, a concurrent resume may have finished.
	attempt, err := f.ownedAttempt(ctx, user, in.MD)
	if err != nil {
		return nil, err
	}

	switch {
	case attempt.Status == models.AttemptStatusActivated:
		return &ResumeResult{Status: StatusCompleted, TransactionID: in.MD}, nil
	case attempt.Status == models.AttemptStatusActivationFailed:
		return &ResumeResult{Status: StatusPartial, TransactionID: in.MD, Message: partialMessage}, nil
	case attempt.Status.IsCharged():
		// Verified before but never activated. PaRes is single-use.
		f.logger.Info("resuming verified attempt without re-verification", zap.String("transaction_id", in.MD))
		status, msg := f.activate(ctx, user, in.MD, attempt.ProductID)
		return &ResumeResult{Status: status, TransactionID: in.MD, Message: msg}, nil
	}

	if in.PaRes == "" {
		rec, err := f.results.LoadResult(ctx, in.MD)
		if err != nil {
			if errors.Is(err, threeds.ErrResultNotFound) {
				return nil, ErrCallbackDataNotFound
			}
			return nil, err
		}
		in.PaRes = rec.PaRes
	}

	verify, err := f.proxy.Process3DS(ctx, proxy.VerifyRequest{MD: in.MD, PaRes: in.PaRes, AppID: f.appID})
	if err != nil {
		return nil, fmt.Errorf("3ds verification request failed: %w", err)
	}
	if !verify.Success {
		msg := verify.Message
		if msg == "" {
			msg = "Payment confirmation was declined"
		}
		f.update(ctx, in.MD, models.AttemptStatusVerifyFailed, msg, false)
		return nil, paymentError(ErrVerificationFailed, msg)
	}
	f.update(ctx, in.MD, models.AttemptStatusVerified, verify.Message, false)

	status, msg := f.activate(ctx, user, in.MD, attempt.ProductID)
	return &ResumeResult{Status: status, TransactionID: in.MD, Message: msg}, nil
}

// Owns reports whether the transaction belongs to user. Unknown and foreign
// transactions both yield ErrTransactionNotFound.
func (f *Flow) Owns(ctx context.Context, user models.AuthUser, transactionID string) error {
	_, err := f.ownedAttempt(ctx, user, transactionID)
	return err
}

func (f *Flow) ownedAttempt(ctx context.Context, user models.AuthUser, transactionID string) (*models.PaymentAttempt, error) {
	attempt, err := f.journal.GetAttempt(ctx, transactionID)
	if errors.Is(err, models.ErrAttemptNotFound) || (err == nil && attempt == nil) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment attempt: %w", err)
	}
	if attempt.AccountID == "" || attempt.AccountID != user.AccountID {
		f.logger.Warn("transaction requested by another account",
			zap.String("transaction_id", transactionID),
			zap.String("account_id", user.AccountID),
		)
		return nil, ErrTransactionNotFound
	}
	return attempt, nil
}

const partialMessage = "Payment received, but your subscription is not active yet. Contact support if it does not activate shortly."

// activate never turns a charged payment into a failure. On error the
// attempt is flagged and a follow-up job is scheduled.
func (f *Flow) activate(ctx context.Context, user models.AuthUser, txID, productID string) (Status, string) {
	_, err := f.proxy.ActivateSubscription(ctx, user.Token)
	if err == nil {
		metrics.Activations.WithLabelValues("ok").Inc()
		f.update(ctx, txID, models.AttemptStatusActivated, "", false)
		return StatusCompleted, ""
	}
	err = fmt.Errorf("%w: %w", ErrActivationFailed, err)

	metrics.Activations.WithLabelValues("failed").Inc()
	f.logger.Error("subscription activation failed after charge",
		zap.String("transaction_id", txID),
		zap.String("account_id", user.AccountID),
		zap.Error(err),
	)
	f.update(ctx, txID, models.AttemptStatusActivationFailed, err.Error(), true)

	if f.jobs != nil {
		jobErr := f.jobs.EnqueueDelayed(context.WithoutCancel(ctx), queue.JobTypeActivationFollowUp, map[string]interface{}{
			"transaction_id": txID,
			"account_id":     user.AccountID,
			"email":          user.Email,
			"product_id":     productID,
			"token":          user.Token,
		}, f.followUpDelay)
		if jobErr != nil {
			f.logger.Error("failed to queue activation follow-up", zap.String("transaction_id", txID), zap.Error(jobErr))
		}
	}
	return StatusPartial, partialMessage
}

func (f *Flow) attempt(user models.AuthUser, productID, txID string, status models.AttemptStatus, msg string) models.PaymentAttempt {
	return models.PaymentAttempt{
		TransactionID: txID,
		AccountID:     user.AccountID,
		Email:         user.Email,
		ProductID:     productID,
		Status:        status,
		Message:       msg,
	}
}

func (f *Flow) record(ctx context.Context, user models.AuthUser, productID, txID string, status models.AttemptStatus, msg string) {
	if err := f.journal.RecordAttempt(ctx, f.attempt(user, productID, txID, status, msg)); err != nil {
		f.logger.Warn("failed to record payment attempt", zap.String("transaction_id", txID), zap.Error(err))
	}
}

func (f *Flow) update(ctx context.Context, txID string, status models.AttemptStatus, msg string, followUp bool) {
	if err := f.journal.UpdateAttempt(ctx, txID, status, msg, followUp); err != nil {
		f.logger.Warn("failed to update payment attempt",
			zap.String("transaction_id", txID),
			zap.String("status", status.String()),
			zap.Error(err),
		)
	}
}
