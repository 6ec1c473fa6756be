package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/celengan/savings-ledger/ledger"
)

// DefaultAttemptTTL is how long an attempt may stay PENDING before it is
// expired locally, whatever the gateway says.
const DefaultAttemptTTL = 30 * time.Minute

// Depositor is the slice of ledger.Mutator the service needs.
type Depositor interface {
	Deposit(ctx context.Context, req ledger.DepositRequest) (ledger.Result, error)
}

// TargetLookup verifies the payer owns the target before money is asked for.
type TargetLookup interface {
	Target(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) (ledger.Target, error)
}

// Service drives payment attempts and replays confirmed ones into the ledger.
type Service struct {
	Gateway  Gateway
	Attempts AttemptStore
	Targets  TargetLookup
	Ledger   Depositor
	TTL      time.Duration
	Log      zerolog.Logger

	Now func() time.Time
}

func NewService(gw Gateway, attempts AttemptStore, targets TargetLookup, depositor Depositor, log zerolog.Logger) *Service {
	return &Service{
		Gateway:  gw,
		Attempts: attempts,
		Targets:  targets,
		Ledger:   depositor,
		TTL:      DefaultAttemptTTL,
		Log:      log.With().Str("component", "payment").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckResult is the outcome of polling one attempt.
type CheckResult struct {
	Attempt Attempt
	Deposit *ledger.Result // set when this check (or a replay of it) credited the target
}

// =============================================================================
// INITIATE
// =============================================================================

// Initiate opens a gateway payment for a target the user owns and records
// a PENDING attempt.
func (s *Service) Initiate(ctx context.Context, userID ledger.UserID, targetID ledger.TargetID, amount decimal.Decimal) (Attempt, error) {
	if err := ledger.ValidateAmount("amount", amount); err != nil {
		return Attempt{}, err
	}
	if _, err := s.Targets.Target(ctx, targetID, userID); err != nil {
		return Attempt{}, err
	}

	now := s.Now()
	reference, err := newReference(userID, targetID, now)
	if err != nil {
		return Attempt{}, err
	}

	created, err := s.Gateway.CreatePayment(ctx, amount, reference)
	if err != nil {
		s.Log.Error().Err(err).Str("reference", reference).Msg("gateway create payment failed")
		return Attempt{}, err
	}

	attempt := Attempt{
		ID:          uuid.NewString(),
		UserID:      userID,
		TargetID:    targetID,
		Amount:      amount,
		ExternalID:  created.ExternalID,
		PaymentData: created.PaymentData,
		Status:      StatusPending,
		Reference:   reference,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Attempts.SaveAttempt(ctx, attempt); err != nil {
		return Attempt{}, fmt.Errorf("save payment attempt: %w", err)
	}

	s.Log.Info().
		Str("reference", reference).
		Str("external_id", created.ExternalID).
		Str("target_id", string(targetID)).
		Str("amount", amount.StringFixed(ledger.CurrencyPlaces)).
		Msg("payment initiated")
	return attempt, nil
}

// newReference builds QRIS-<user>-<target>-<unix>-<hex>.
func newReference(userID ledger.UserID, targetID ledger.TargetID, now time.Time) (string, error) {
	suffix, err := randomHex()
	if err != nil {
		return "", fmt.Errorf("generate reference: %w", err)
	}
	return fmt.Sprintf("QRIS-%s-%s-%d-%s", userID, targetID, now.UnixMilli(), suffix), nil
}

// ManualReference is the payment reference used for deposits entered by
// hand rather than confirmed by a gateway.
func ManualReference(userID ledger.UserID, now time.Time) string {
	suffix, err := randomHex()
	if err != nil {
		return fmt.Sprintf("MANUAL-%s-%d", userID, now.UnixNano())
	}
	return fmt.Sprintf("MANUAL-%s-%d-%s", userID, now.UnixNano(), suffix)
}

func randomHex() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// =============================================================================
// CHECK
// =============================================================================

// Check polls the gateway for the user's attempt and, on success, deposits
// the attempt amount. Terminal attempts are returned without polling.
func (s *Service) Check(ctx context.Context, userID ledger.UserID, reference string) (CheckResult, error) {
	attempt, err := s.Attempts.AttemptByReference(ctx, reference, userID)
	if err != nil {
		return CheckResult{}, err
	}
	return s.check(ctx, attempt)
}

func (s *Service) check(ctx context.Context, attempt Attempt) (CheckResult, error) {
	if attempt.Status.Terminal() {
		return CheckResult{Attempt: attempt}, nil
	}

	status, err := s.Gateway.PaymentStatus(ctx, attempt.ExternalID)
	if err != nil {
		return CheckResult{Attempt: attempt}, err
	}

	if status == StatusPending && s.TTL > 0 && s.Now().Sub(attempt.CreatedAt) > s.TTL {
		status = StatusExpired
	}

	result := CheckResult{Attempt: attempt}
	if status == StatusSuccess {
		// Deposit before marking SUCCESS: if the status write is lost, the
		// next check replays the deposit as a no-op.
		res, err := s.Ledger.Deposit(ctx, ledger.DepositRequest{
			UserID:      attempt.UserID,
			TargetID:    attempt.TargetID,
			Amount:      attempt.Amount,
			Description: fmt.Sprintf("QRIS Deposit (Ref: %s)", attempt.Reference),
			Reference:   attempt.Reference,
		})
		if err != nil {
			s.Log.Error().Err(err).Str("reference", attempt.Reference).Msg("deposit for confirmed payment failed")
			return result, err
		}
		result.Deposit = &res
	}

	if status != attempt.Status {
		if err := s.Attempts.UpdateAttemptStatus(ctx, attempt.ID, status); err != nil {
			return result, fmt.Errorf("update payment attempt: %w", err)
		}
		result.Attempt.Status = status
		result.Attempt.UpdatedAt = s.Now()

		s.Log.Info().
			Str("reference", attempt.Reference).
			Str("status", string(status)).
			Msg("payment status changed")
	}
	return result, nil
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepReport summarizes one pass over pending attempts.
type SweepReport struct {
	Checked   int
	Succeeded int
	Failed    int
	Expired   int
	Errors    int
}

// Sweep checks every pending attempt. Errors on one attempt are logged and
// do not stop the pass.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	pending, err := s.Attempts.PendingAttempts(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, attempt := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		res, err := s.check(ctx, attempt)
		if err != nil {
			report.Errors++
			s.Log.Warn().Err(err).Str("reference", attempt.Reference).Msg("sweep check failed")
			continue
		}
		switch res.Attempt.Status {
		case StatusSuccess:
			report.Succeeded++
		case StatusFailed:
			report.Failed++
		case StatusExpired:
			report.Expired++
		}
	}
	return report, nil
}
