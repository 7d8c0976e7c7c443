package checkout

import (
	"imagegen-payment-api/services/proxy"
	"imagegen-payment-api/services/threeds"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeStepUp  Outcome = "3ds_required"
)

// Classification is the interpreted proxy answer to a charge.
type Classification struct {
	Outcome       Outcome
	TransactionID string
	Challenge     threeds.ChallengeParams
	Message       string
}

// ClassifyCharge maps a proxy charge response to one of three outcomes.
// Only a non-success answer whose model carries acsUrl, paReq and
// transactionId is a step-up. A model with acsUrl or paReq but not all three
// is ErrStepUpDataIncomplete and never leads to a redirect. Every other
// negative answer is ErrChargeRejected.
func ClassifyCharge(resp *proxy.ChargeResponse) (Classification, error) {
	if resp == nil {
		return Classification{}, paymentError(ErrChargeRejected, "empty response from payment service")
	}

	var params threeds.ChallengeParams
	if resp.Model != nil {
		params = threeds.ChallengeParams{
			AcsURL:        resp.Model.AcsURL,
			PaReq:         resp.Model.PaReq,
			TransactionID: resp.Model.TransactionID.String(),
		}
	}

	if resp.Success {
		return Classification{Outcome: OutcomeSuccess, TransactionID: params.TransactionID, Message: resp.Message}, nil
	}

	if params.Complete() {
		return Classification{
			Outcome:       OutcomeStepUp,
			TransactionID: params.TransactionID,
			Challenge:     params,
			Message:       resp.Message,
		}, nil
	}

	if params.AcsURL != "" || params.PaReq != "" {
		return Classification{TransactionID: params.TransactionID}, paymentError(ErrStepUpDataIncomplete, resp.Message)
	}

	msg := resp.Message
	if msg == "" {
		msg = "Payment was declined"
	}
	return Classification{TransactionID: params.TransactionID}, paymentError(ErrChargeRejected, msg)
}
