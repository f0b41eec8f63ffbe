// Package escrow defines the DEPOSIT and WITHDRAWAL sagas of the fund-escrow
// platform and the step handlers behind them.
//
// Both sagas run the same five steps in order:
//  1. validate the request against the user's balance and asset rules
//  2. reserve balance: hold the pending credit or freeze the withdrawn funds
//  3. execute the blockchain transaction
//  4. update balance: settle the hold
//  5. notify the user
//
// Handlers talk to three collaborators, BalanceService, ChainClient and
// Notifier. Every side-effecting call carries the step's dedupe token so a
// redelivered job never applies an effect twice.
//
// Example:
//
//	registry := saga.NewRegistry()
//	err := escrow.Register(registry, escrow.Services{
//	    Balances: escrow.NewMemoryLedger(),
//	    Chain:    chainClient,
//	    Notifier: escrow.NewMemoryNotifier(logger),
//	})
package escrow

import (
	"context"
	"errors"
	"time"
)

// Transaction types.
const (
	TypeDeposit    = "DEPOSIT"
	TypeWithdrawal = "WITHDRAWAL"
)

// Step names.
const (
	StepValidateDeposit    = "validate-deposit"
	StepValidateWithdrawal = "validate-withdrawal"
	StepReserveBalance     = "reserve-balance"
	StepExecuteChain       = "execute-blockchain-transaction"
	StepUpdateBalance      = "update-balance"
	StepSendNotification   = "send-notification"
)

// Direction says which way funds move for the user.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// DirectionOf returns the fund direction of a transaction type.
func DirectionOf(transactionType string) (Direction, bool) {
	switch transactionType {
	case TypeDeposit:
		return Credit, true
	case TypeWithdrawal:
		return Debit, true
	}
	return "", false
}

var (
	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnsupportedAsset is returned for assets the platform does not handle.
	ErrUnsupportedAsset = errors.New("unsupported asset")

	// ErrLimitExceeded is returned when an amount is outside the asset's limits.
	ErrLimitExceeded = errors.New("amount outside limits")

	// ErrHoldSettled is returned when releasing a hold that was already settled.
	ErrHoldSettled = errors.New("hold already settled")

	// ErrChainUnavailable is returned by chain clients that cannot reach the network.
	ErrChainUnavailable = errors.New("chain unavailable")
)

// Balance is one user's position in one asset, in minor units.
type Balance struct {
	Available int64 `json:"available"`
	Frozen    int64 `json:"frozen"`
	Pending   int64 `json:"pending"`
}

// HoldRequest asks for funds to be held for a transaction.
type HoldRequest struct {
	HoldID    string // one hold per transaction; the transaction ID
	UserID    string
	Asset     string
	Amount    int64
	Direction Direction
}

// BalanceService manages user balances.
//
// A debit hold moves funds from available to frozen, and settling it removes
// them. A credit hold records a pending credit, and settling it makes the funds
// available. Unsettle reverses a settlement and Release drops an unsettled
// hold. Every call is idempotent per hold ID, and Release, Settle and Unsettle
// of an unknown hold succeed without effect.
type BalanceService interface {
	Balance(ctx context.Context, userID, asset string) (Balance, error)
	Hold(ctx context.Context, req HoldRequest) error
	Release(ctx context.Context, holdID string) error
	Settle(ctx context.Context, holdID string) error
	Unsettle(ctx context.Context, holdID string) error
}

// Transfer is an on-chain movement of funds for a transaction.
type Transfer struct {
	TransactionID string
	UserID        string
	Asset         string
	Amount        int64
	Direction     Direction
	Address       string
}

// Receipt identifies an executed transfer.
type Receipt struct {
	TxHash      string    `json:"tx_hash"`
	Network     string    `json:"network,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// ChainClient executes and reverses on-chain transfers. Both calls are
// idempotent per token.
type ChainClient interface {
	Execute(ctx context.Context, token string, t Transfer) (Receipt, error)
	Reverse(ctx context.Context, token string, receipt Receipt) error
}

// Notification tells a user about a transaction.
type Notification struct {
	UserID          string
	TransactionID   string
	TransactionType string
	Amount          int64
	Asset           string
}

// Notifier delivers user notifications, once per token.
type Notifier interface {
	Notify(ctx context.Context, token string, n Notification) error
}

// Limits bound the amount of a single transaction for one asset.
type Limits struct {
	Min int64
	Max int64 // 0 = no maximum
}

// Services bundles the collaborators the handlers need.
type Services struct {
	Balances BalanceService
	Chain    ChainClient
	Notifier Notifier
	// Assets maps supported assets to their limits. Nil accepts every asset.
	Assets map[string]Limits
}
