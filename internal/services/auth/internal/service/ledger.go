package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gamma-omg/gatekeeper/internal/pkg/serr"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
)

// Consumption is the outcome of a consume attempt.
type Consumption struct {
	OK      bool
	Balance int64
}

// Ledger meters usage against user credit balances.
type Ledger struct {
	store   store.Store
	metrics *Metrics
}

func NewLedger(st store.Store, m *Metrics) *Ledger {
	if st == nil {
		panic("store is required")
	}

	return &Ledger{store: st, metrics: m}
}

// Consume takes amount credits from the user. It reports false and leaves the balance untouched
// when the balance does not cover amount.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int64) (bool, error) {
	c, err := l.Spend(ctx, userID, amount)
	if err != nil {
		return false, err
	}
	return c.OK, nil
}

// Spend is Consume that also reports the balance after the attempt.
func (l *Ledger) Spend(ctx context.Context, userID string, amount int64) (Consumption, error) {
	if userID == "" {
		return Consumption{}, serr.NewServiceError(errors.New("empty user id"), http.StatusBadRequest, "user id is required")
	}
	if amount <= 0 {
		return Consumption{}, serr.NewServiceError(fmt.Errorf("amount %d", amount), http.StatusBadRequest, "amount must be positive")
	}

	balance, ok, err := l.store.ConsumeCredits(ctx, userID, amount)
	if err != nil {
		l.metrics.consumed(outcomeError, amount)
		if errors.Is(err, store.ErrNotFound) {
			return Consumption{}, serr.NewServiceError(err, http.StatusNotFound, "user not found").With("user_id", userID)
		}
		return Consumption{}, fmt.Errorf("consume credits: %w", err)
	}

	if !ok {
		l.metrics.consumed(outcomeInsufficient, amount)
		return Consumption{Balance: balance}, nil
	}

	l.metrics.consumed(outcomeOK, amount)
	return Consumption{OK: true, Balance: balance}, nil
}

// Balance returns the current credit balance of the user.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := l.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, serr.NewServiceError(err, http.StatusNotFound, "user not found").With("user_id", userID)
		}
		return 0, fmt.Errorf("get user: %w", err)
	}

	return u.Credits, nil
}
