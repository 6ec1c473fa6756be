/*
Package payment correlates external gateway payments with ledger deposits.

PURPOSE:
  A payment attempt records an in-flight external payment: the gateway's
  id for it, its status, and the internal reference that, once the gateway
  reports success, is replayed into the ledger Mutator as a deposit.

  Attempts are bookkeeping only. They never change a balance directly and
  are not part of the ledger invariants.

LIFECYCLE:
  PENDING --gateway success--> SUCCESS (deposit recorded)
  PENDING --gateway failure--> FAILED
  PENDING --past TTL-------->  EXPIRED

SEE ALSO:
  - gateway.go: Abstract gateway capability
  - service.go: Initiate / Check / Sweep
  - qris/client.go: HTTP gateway adapter
*/
package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/celengan/savings-ledger/ledger"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

// ParseStatus normalizes a gateway status string. Unknown values are
// treated as still pending.
func ParseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSuccess, "PAID", "SETTLED", "COMPLETED":
		return StatusSuccess
	case StatusFailed, "FAIL", "CANCELLED", "CANCELED", "REJECTED":
		return StatusFailed
	case StatusExpired, "EXPIRE":
		return StatusExpired
	default:
		return StatusPending
	}
}

// Terminal reports whether no further gateway polling is needed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusExpired
}

type Attempt struct {
	ID          string
	UserID      ledger.UserID
	TargetID    ledger.TargetID
	Amount      decimal.Decimal
	ExternalID  string // gateway-side transaction id
	PaymentData string // what the payer needs, e.g. a QR image URL
	Status      Status
	Reference   string // internal reference, becomes the deposit's payment reference
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrAttemptNotFound is returned when a reference is unknown or belongs to
// another user.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// AttemptStore persists payment attempts.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, a Attempt) error

	// AttemptByReference returns ErrAttemptNotFound if the reference is
	// unknown or not owned by userID.
	AttemptByReference(ctx context.Context, reference string, userID ledger.UserID) (Attempt, error)

	UpdateAttemptStatus(ctx context.Context, id string, status Status) error

	// PendingAttempts returns every attempt still in PENDING, oldest first.
	PendingAttempts(ctx context.Context) ([]Attempt, error)
}
