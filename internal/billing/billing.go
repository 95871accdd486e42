// Package billing owns credit balances: reads, post-call deductions, and
// Stripe-driven subscription and top-up changes.
//
// Deductions never underflow. The balance check and the subtraction are one
// conditional statement in the store, and a refusal surfaces as
// ErrInsufficientCredits rather than a negative balance. Every successful
// mutation publishes EntitlementChanged so the cache subscriber can
// invalidate.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/retry"
	"github.com/halcyonchat/halcyon/internal/user"
)

var (
	ErrInsufficientCredits = errors.New("billing: insufficient credits")
	ErrInvalidAmount       = errors.New("billing: amount must be positive")
)

// Balance is a credit balance plus which pool it draws from.
type Balance struct {
	Amount       int64 `json:"amount"`
	IsTeamPooled bool  `json:"isTeamPooled"`
}

// Service performs credit operations against the user store.
type Service struct {
	users  user.Store
	events *entitlement.Events
}

// NewService creates a billing service. events may be nil in tests.
func NewService(users user.Store, events *entitlement.Events) *Service {
	return &Service{users: users, events: events}
}

// GetCreditBalance returns the balance the user actually draws from: the team
// pool when teamed, otherwise the personal balance.
func (s *Service) GetCreditBalance(ctx context.Context, userID string) (*Balance, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if u.Teamed() {
		team, err := s.users.GetTeam(ctx, u.TeamID)
		if err == nil {
			return &Balance{Amount: team.PooledCredits, IsTeamPooled: true}, nil
		}
		if !errors.Is(err, user.ErrTeamNotFound) {
			return nil, err
		}
		logging.L(ctx).Warn("user references missing team, using personal balance",
			"user_id", userID, "team_id", u.TeamID)
	}
	return &Balance{Amount: u.CreditsBalance}, nil
}

// DeductCredits subtracts amount from the user's balance (team pool when
// teamed). Transient storage errors are retried; an insufficient balance is
// not.
func (s *Service) DeductCredits(ctx context.Context, userID string, amount int64, operationType string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		ok, err := s.deduct(ctx, u, amount)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrTeamNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		if !ok {
			return retry.Permanent(ErrInsufficientCredits)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.CreditDeductionsTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.CreditDeductionsTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	metrics.CreditDeductionsTotal.WithLabelValues("ok").Inc()
	metrics.CreditsDeducted.Add(float64(amount))
	logging.L(ctx).Info("credits deducted",
		"user_id", userID, "amount", amount,
		"operation", operationType, "team_pooled", u.Teamed())

	if s.events != nil {
		s.events.EntitlementChanged(ctx, userID)
	}
	return nil
}

func (s *Service) deduct(ctx context.Context, u *user.User, amount int64) (bool, error) {
	if u.Teamed() {
		_, err := s.users.GetTeam(ctx, u.TeamID)
		if err == nil {
			return s.users.DeductTeamCredits(ctx, u.TeamID, amount)
		}
		if !errors.Is(err, user.ErrTeamNotFound) {
			return false, err
		}
		logging.L(ctx).Warn("user references missing team, deducting personal balance",
			"user_id", u.ID, "team_id", u.TeamID)
	}
	return s.users.DeductCredits(ctx, u.ID, amount)
}

// AddCredits credits a purchase or grant to the balance the user draws from.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}

	if u.Teamed() {
		err = s.users.AddTeamCredits(ctx, u.TeamID, amount)
		if err != nil && errors.Is(err, user.ErrTeamNotFound) {
			err = s.users.AddCredits(ctx, userID, amount)
		}
	} else {
		err = s.users.AddCredits(ctx, userID, amount)
	}
	if err != nil {
		return fmt.Errorf("add %d credits to %s: %w", amount, userID, err)
	}

	logging.L(ctx).Info("credits added", "user_id", userID, "amount", amount, "team_pooled", u.Teamed())
	if s.events != nil {
		s.events.EntitlementChanged(ctx, userID)
	}
	return nil
}
