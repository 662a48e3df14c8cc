package payment

import (
	"errors"

	"github.com/hms/hms/internal/domain/billing"
)

var (
	ErrInvalidRequest     = errors.New("invalid payment request")
	ErrBillNotFound       = billing.ErrNotFound
	ErrBillSettled        = errors.New("bill is already paid")
	ErrUnknownTransaction = errors.New("transaction not found")
	ErrDuplicateCheckout  = errors.New("checkout request id already recorded")
	ErrIntentNotFound     = errors.New("payment intent not found")
	ErrMalformedCallback  = errors.New("malformed callback")
	ErrAmountMismatch     = errors.New("callback amount does not match transaction amount")
)

// GatewayRejectedError is a business decline returned synchronously by the gateway.
type GatewayRejectedError struct {
	Reason string
}

func (e *GatewayRejectedError) Error() string {
	return "gateway rejected charge: " + e.Reason
}
