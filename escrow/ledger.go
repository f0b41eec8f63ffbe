package escrow

import (
	"context"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

type holdState int

const (
	holdActive holdState = iota
	holdReleased
	holdSettled
)

type hold struct {
	req   HoldRequest
	state holdState
}

type account struct {
	userID string
	asset  string
}

// MemoryLedger is an in-memory BalanceService.
//
// Suitable for tests and single-process deployments. Balances are lost on restart.
type MemoryLedger struct {
	mu       deadlock.Mutex
	balances map[account]*Balance
	holds    map[string]*hold
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[account]*Balance),
		holds:    make(map[string]*hold),
	}
}

// Fund adds available funds to an account.
func (l *MemoryLedger) Fund(userID, asset string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(userID, asset).Available += amount
}

func (l *MemoryLedger) account(userID, asset string) *Balance {
	key := account{userID: userID, asset: asset}
	b, ok := l.balances[key]
	if !ok {
		b = &Balance{}
		l.balances[key] = b
	}
	return b
}

// Balance returns the account's balance. Unknown accounts have a zero balance.
func (l *MemoryLedger) Balance(_ context.Context, userID, asset string) (Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[account{userID: userID, asset: asset}]; ok {
		return *b, nil
	}
	return Balance{}, nil
}

// Hold places a hold. Placing an existing hold again is a no-op.
func (l *MemoryLedger) Hold(_ context.Context, req HoldRequest) error {
	if req.HoldID == "" {
		return fmt.Errorf("hold id is required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("hold amount must be positive, got %d", req.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.holds[req.HoldID]; exists {
		return nil
	}
	b := l.account(req.UserID, req.Asset)
	switch req.Direction {
	case Debit:
		if b.Available < req.Amount {
			return fmt.Errorf("hold %s: %w: available %d, requested %d", req.HoldID, ErrInsufficientFunds, b.Available, req.Amount)
		}
		b.Available -= req.Amount
		b.Frozen += req.Amount
	case Credit:
		b.Pending += req.Amount
	default:
		return fmt.Errorf("hold %s: unknown direction %q", req.HoldID, req.Direction)
	}
	l.holds[req.HoldID] = &hold{req: req, state: holdActive}
	return nil
}

// Release drops an active hold and returns the funds to where they came from.
func (l *MemoryLedger) Release(_ context.Context, holdID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[holdID]
	if !ok {
		return nil
	}
	switch h.state {
	case holdReleased:
		return nil
	case holdSettled:
		return fmt.Errorf("release %s: %w", holdID, ErrHoldSettled)
	}

	b := l.account(h.req.UserID, h.req.Asset)
	if h.req.Direction == Debit {
		b.Frozen -= h.req.Amount
		b.Available += h.req.Amount
	} else {
		b.Pending -= h.req.Amount
	}
	h.state = holdReleased
	return nil
}

// Settle completes an active hold.
func (l *MemoryLedger) Settle(_ context.Context, holdID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[holdID]
	if !ok {
		return fmt.Errorf("settle %s: hold not found", holdID)
	}
	switch h.state {
	case holdSettled:
		return nil
	case holdReleased:
		return fmt.Errorf("settle %s: hold was released", holdID)
	}

	b := l.account(h.req.UserID, h.req.Asset)
	if h.req.Direction == Debit {
		b.Frozen -= h.req.Amount
	} else {
		b.Pending -= h.req.Amount
		b.Available += h.req.Amount
	}
	h.state = holdSettled
	return nil
}

// Unsettle turns a settled hold back into an active one.
//
// Reversing a settled credit fails with ErrInsufficientFunds when the user has
// already spent the funds.
func (l *MemoryLedger) Unsettle(_ context.Context, holdID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[holdID]
	if !ok || h.state != holdSettled {
		return nil
	}

	b := l.account(h.req.UserID, h.req.Asset)
	if h.req.Direction == Debit {
		b.Frozen += h.req.Amount
	} else {
		if b.Available < h.req.Amount {
			return fmt.Errorf("unsettle %s: %w: available %d, required %d", holdID, ErrInsufficientFunds, b.Available, h.req.Amount)
		}
		b.Available -= h.req.Amount
		b.Pending += h.req.Amount
	}
	h.state = holdActive
	return nil
}

var _ BalanceService = (*MemoryLedger)(nil)
