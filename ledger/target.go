package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewTarget validates owner input and returns a fresh, empty target.
func NewTarget(ownerID UserID, name string, goal decimal.Decimal, targetDate *time.Time, now time.Time) (Target, error) {
	name = strings.TrimSpace(name)
	if strings.TrimSpace(string(ownerID)) == "" {
		return Target{}, invalidArgument("owner id is required")
	}
	if name == "" {
		return Target{}, invalidArgument("target name is required")
	}
	if err := ValidateAmount("goal amount", goal); err != nil {
		return Target{}, err
	}
	return Target{
		ID:          TargetID(uuid.NewString()),
		OwnerID:     ownerID,
		Name:        name,
		GoalAmount:  goal,
		TargetDate:  targetDate,
		Accumulated: decimal.Zero,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ApplyUpdate returns t with the edits in u applied.
// Accumulated is never touched. An explicit Status is honored as an
// override; otherwise a goal change re-derives the status.
func ApplyUpdate(t Target, u TargetUpdate, now time.Time) (Target, error) {
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return Target{}, invalidArgument("target name is required")
		}
		t.Name = name
	}
	if u.GoalAmount != nil {
		if err := ValidateAmount("goal amount", *u.GoalAmount); err != nil {
			return Target{}, err
		}
		t.GoalAmount = *u.GoalAmount
		t.Status = DeriveStatus(t.Accumulated, t.GoalAmount)
	}
	if u.TargetDate != nil {
		t.TargetDate = *u.TargetDate
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return Target{}, invalidArgument("unknown status %q", *u.Status)
		}
		t.Status = *u.Status
	}
	t.UpdatedAt = now
	return t, nil
}
