package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Gateway is the single capability the service needs from an external
// payment provider. Adapters live in sub-packages (see qris).
type Gateway interface {
	// CreatePayment asks the provider to open a payment for amount.
	CreatePayment(ctx context.Context, amount decimal.Decimal, reference string) (Created, error)

	// PaymentStatus asks the provider for the current state of a payment.
	PaymentStatus(ctx context.Context, externalID string) (Status, error)
}

// Created is what a provider returns for a new payment.
type Created struct {
	ExternalID  string
	PaymentData string
}

// ErrGatewayUnavailable is returned by adapters that are not configured.
var ErrGatewayUnavailable = errors.New("payment gateway not configured")

// GatewayError carries a provider-side failure message.
type GatewayError struct {
	Op      string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return "gateway " + e.Op + ": " + e.Message + ": " + e.Err.Error()
	}
	return "gateway " + e.Op + ": " + e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
