package threeds

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const RedirectPathPrefix = "/payments/3ds/redirect/"

// Redirector persists a step-up before the browser leaves for the ACS and
// renders the auto-submitting form once.
type Redirector struct {
	store        Store
	pending      *PendingSessions
	pages        *Pages
	termURL      string
	challengeTTL time.Duration
	logger       *zap.Logger
}

func NewRedirector(store Store, pending *PendingSessions, pages *Pages, termURL string, challengeTTL time.Duration, logger *zap.Logger) *Redirector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redirector{
		store:        store,
		pending:      pending,
		pages:        pages,
		termURL:      termURL,
		challengeTTL: challengeTTL,
		logger:       logger,
	}
}

// Prepare stores the pending payment and the challenge params and returns
// the path that serves the ACS form. Nothing is written to the response body,
// so the caller answers only after everything is persisted.
func (rd *Redirector) Prepare(w http.ResponseWriter, r *http.Request, params ChallengeParams, productID string) (string, error) {
	if !params.Complete() {
		return "", ErrStepUpDataIncomplete
	}

	if err := rd.pending.Save(w, r, PendingPayment{TransactionID: params.TransactionID, ProductID: productID}); err != nil {
		return "", err
	}
	if err := rd.store.SaveChallenge(r.Context(), params, rd.challengeTTL); err != nil {
		return "", err
	}

	rd.logger.Info("3ds redirect prepared",
		zap.String("transaction_id", params.TransactionID),
		zap.String("product_id", productID),
		zap.Int("pa_req_len", len(params.PaReq)),
	)
	return RedirectPathPrefix + url.PathEscape(params.TransactionID), nil
}

// Serve consumes the stored params and renders the form. A second call for
// the same transaction fails with ErrChallengeConsumed.
func (rd *Redirector) Serve(ctx context.Context, w http.ResponseWriter, transactionID string) error {
	params, err := rd.store.TakeChallenge(ctx, transactionID)
	if err != nil {
		return err
	}
	return rd.Render(w, params)
}

func (rd *Redirector) Render(w http.ResponseWriter, params ChallengeParams) error {
	if !params.Complete() {
		return ErrStepUpDataIncomplete
	}
	return rd.pages.RenderRedirect(w, params, rd.termURL)
}
