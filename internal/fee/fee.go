package fee

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidPolicy = errors.New("invalid_fee_policy")
)

var (
	hundred = decimal.NewFromInt(100)
)

// Policy is a percentage-based platform fee. The platform absorbs rounding:
// the fee is rounded up and the owner receives the remainder.
type Policy struct {
	Percent decimal.Decimal
}

// PolicySource yields the fee policy currently in force.
type PolicySource interface {
	Policy() Policy
}

// Split is the outcome of applying a Policy to a gross amount.
type Split struct {
	GrossAmount int64
	PlatformFee int64
	OwnerAmount int64
}

// ParsePolicy builds a Policy from a decimal percentage such as "10" or "2.5".
func ParsePolicy(raw string) (Policy, error) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if raw == "" {
		return Policy{}, ErrInvalidPolicy
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return Policy{}, ErrInvalidPolicy
	}
	policy := Policy{Percent: pct}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// MustPolicy is ParsePolicy for constants.
func MustPolicy(raw string) Policy {
	policy, err := ParsePolicy(raw)
	if err != nil {
		panic(err)
	}
	return policy
}

func (p Policy) Validate() error {
	if p.Percent.IsNegative() || p.Percent.GreaterThan(hundred) {
		return ErrInvalidPolicy
	}
	return nil
}

func (p Policy) String() string {
	return p.Percent.String()
}

// Split divides gross into platform fee and owner amount.
func (p Policy) Split(gross int64) (Split, error) {
	return Calculate(gross, p)
}

// Calculate divides gross (smallest currency unit) into platform fee and
// owner amount so that PlatformFee + OwnerAmount == gross.
func Calculate(gross int64, policy Policy) (Split, error) {
	if gross <= 0 {
		return Split{}, ErrInvalidAmount
	}
	if err := policy.Validate(); err != nil {
		return Split{}, err
	}

	platformFee := decimal.NewFromInt(gross).
		Mul(policy.Percent).
		Div(hundred).
		Ceil().
		IntPart()

	return Split{
		GrossAmount: gross,
		PlatformFee: platformFee,
		OwnerAmount: gross - platformFee,
	}, nil
}
