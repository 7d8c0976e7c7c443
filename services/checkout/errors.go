package checkout

import (
	"errors"

	"imagegen-payment-api/services/cryptogram"
	"imagegen-payment-api/services/threeds"
)

var (
	ErrChargeRejected       = errors.New("charge rejected")
	ErrVerificationFailed   = errors.New("3ds verification failed")
	ErrActivationFailed     = errors.New("subscription activation failed")
	ErrResumeInProgress     = errors.New("payment confirmation already in progress")
	// ErrTransactionNotFound covers both unknown transactions and ones owned
	// by another account.
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrPaymentMethodMissing = errors.New("card data or cryptogram is required")
	ErrProductMissing       = errors.New("product is required")

	// Re-exported so callers can match the whole taxonomy from one package.
	ErrSdkUnavailable             = cryptogram.ErrSdkUnavailable
	ErrCryptogramGenerationFailed = cryptogram.ErrCryptogramGenerationFailed
	ErrStepUpDataIncomplete       = threeds.ErrStepUpDataIncomplete
	ErrCallbackDataNotFound       = threeds.ErrCallbackDataNotFound
)

// RetryStepPaymentMethod sends the user back to card entry with the product
// selection kept.
const RetryStepPaymentMethod = "payment_method"

// PaymentError carries a user-facing message and where the user should
// restart from.
type PaymentError struct {
	Err       error
	Message   string
	RetryStep string
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

func paymentError(err error, message string) *PaymentError {
	return &PaymentError{Err: err, Message: message, RetryStep: RetryStepPaymentMethod}
}
