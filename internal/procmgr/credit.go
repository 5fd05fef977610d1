package procmgr

import (
	"context"
	"math"
)

// CreditPolicy is the injected per-turn pricing for non-owner sessions
// (spec.md §4.2's "creditsToCharge = ceil(creditsPerTurn) + extras").
type CreditPolicy struct {
	PerTurn float64
	Extras  int64
}

// Cost returns the credits charged for a single turn under this policy.
func (p CreditPolicy) Cost() int64 {
	return int64(math.Ceil(p.PerTurn)) + p.Extras
}

// OwnerCheck reports whether an originating address is an owner, in which
// case credit effects are skipped entirely.
type OwnerCheck func(address string) bool

// CanStartSession is the pre-flight check spec.md §4.2 requires before
// spawning for a non-owner caller: the address must hold at least one
// turn's worth of credits.
func (m *Manager) CanStartSession(ctx context.Context, address string) (bool, error) {
	if address == "" || m.ownerCheck == nil || m.ownerCheck(address) {
		return true, nil
	}
	balance, err := m.stores.Credit.Balance(ctx, address)
	if err != nil {
		return false, err
	}
	return balance >= m.creditPolicy.Cost(), nil
}

// chargeForTurn deducts one turn's credits from address unless it is an
// owner address or no credit configuration was injected.
func (m *Manager) chargeForTurn(ctx context.Context, address string) {
	if address == "" || m.stores.Credit == nil {
		return
	}
	if m.ownerCheck != nil && m.ownerCheck(address) {
		return
	}
	cost := m.creditPolicy.Cost()
	if cost <= 0 {
		return
	}
	if _, err := m.stores.Credit.ApplyDelta(ctx, address, -cost, "session_turn"); err != nil {
		m.logger.Error("credit deduction failed", "address", address, "error", err)
	}
}
