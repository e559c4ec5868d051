package budget

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/pricing"
)

// ErrBalanceExhausted is returned when the server-held balance is spent.
var ErrBalanceExhausted = errors.New("balance exhausted")

// Figures are the cost figures returned with each reply.
type Figures struct {
	Last    decimal.Decimal
	Session decimal.Decimal
	Balance decimal.Decimal
}

// Costs converts the figures to their wire form.
func (f Figures) Costs() *models.Costs {
	return &models.Costs{
		Last:    f.Last.InexactFloat64(),
		Session: f.Session.InexactFloat64(),
		Balance: f.Balance.InexactFloat64(),
	}
}

// Reconcile applies a call's cost to client-held figures. The session total
// grows by cost and the balance shrinks by it; the balance never drops below
// zero. The client echoes these figures back on the next call, so they
// keep per-call precision and sub-cent costs accumulate.
func Reconcile(session, balance, cost decimal.Decimal) Figures {
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	return Figures{
		Last:    cost,
		Session: pricing.Round4(session.Add(cost)),
		Balance: floor(pricing.Round4(balance.Sub(cost))),
	}
}

// Ledger is the process-wide spend counter used when the server owns the
// balance. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	starting decimal.Decimal
	spent    decimal.Decimal
}

// NewLedger creates a Ledger with the given starting balance.
func NewLedger(starting decimal.Decimal) *Ledger {
	return &Ledger{starting: floor(starting)}
}

// Check returns ErrBalanceExhausted once the remaining balance is zero.
func (l *Ledger) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !pricing.Round2(l.balanceLocked()).IsPositive() {
		return ErrBalanceExhausted
	}
	return nil
}

// Charge adds cost to the total spent and returns the updated figures.
func (l *Ledger) Charge(cost decimal.Decimal) Figures {
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent = l.spent.Add(cost)
	f := l.figuresLocked()
	f.Last = cost
	return f
}

// Snapshot returns the current figures without charging anything.
func (l *Ledger) Snapshot() Figures {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.figuresLocked()
}

// Reset zeroes the spend so the balance returns to its starting value.
func (l *Ledger) Reset() Figures {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent = decimal.Zero
	return l.figuresLocked()
}

func (l *Ledger) figuresLocked() Figures {
	return Figures{
		Last:    decimal.Zero,
		Session: pricing.Round2(l.spent),
		Balance: pricing.Round2(l.balanceLocked()),
	}
}

func (l *Ledger) balanceLocked() decimal.Decimal {
	return floor(l.starting.Sub(l.spent))
}

func floor(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
