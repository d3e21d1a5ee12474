// Package domain defines the outbound payment collection port. The engine
// only needs a yes/no answer per invoice; provider specifics stay behind the
// Collector interface.
package domain

import (
	"context"
	"errors"

	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
)

var (
	ErrPaymentDeclined = errors.New("payment_declined")
	ErrPaymentTimeout  = errors.New("payment_timeout")
)

// Collector attempts to charge one invoice. Implementations must be safe to
// call concurrently and must respect ctx cancellation.
type Collector interface {
	Collect(ctx context.Context, invoice invoicedomain.Invoice) error
}
