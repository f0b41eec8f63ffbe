package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/escrow/saga"
)

// DepositSteps returns the step definitions of the DEPOSIT saga.
func DepositSteps() []saga.StepDefinition {
	return steps(StepValidateDeposit)
}

// WithdrawalSteps returns the step definitions of the WITHDRAWAL saga.
func WithdrawalSteps() []saga.StepDefinition {
	return steps(StepValidateWithdrawal)
}

func steps(validate string) []saga.StepDefinition {
	return []saga.StepDefinition{
		{
			Name: validate, Order: 1,
			Handler: validate, CompensationHandler: validate,
			Timeout: 5 * time.Second,
		},
		{
			Name: StepReserveBalance, Order: 2,
			Handler: StepReserveBalance, CompensationHandler: StepReserveBalance,
			Timeout: 10 * time.Second, Retryable: true, MaxRetries: 2,
		},
		{
			Name: StepExecuteChain, Order: 3,
			Handler: StepExecuteChain, CompensationHandler: StepExecuteChain,
			Timeout: time.Minute, Retryable: true, MaxRetries: 3,
		},
		{
			Name: StepUpdateBalance, Order: 4,
			Handler: StepUpdateBalance, CompensationHandler: StepUpdateBalance,
			Timeout: 10 * time.Second, Retryable: true, MaxRetries: 3,
		},
		{
			Name: StepSendNotification, Order: 5,
			Handler: StepSendNotification, CompensationHandler: StepSendNotification,
			Timeout: 5 * time.Second, Retryable: true, MaxRetries: 3,
		},
	}
}

// Register registers the escrow step handlers and the DEPOSIT and WITHDRAWAL
// definitions.
func Register(registry *saga.Registry, svc Services) error {
	if svc.Balances == nil || svc.Chain == nil || svc.Notifier == nil {
		return errors.New("escrow: balances, chain and notifier are required")
	}
	h := &handlers{svc: svc}

	registry.RegisterHandler(StepValidateDeposit, saga.HandlerFuncs{ExecuteFunc: h.validateDeposit})
	registry.RegisterHandler(StepValidateWithdrawal, saga.HandlerFuncs{ExecuteFunc: h.validateWithdrawal})
	registry.RegisterHandler(StepReserveBalance, saga.NewTypedHandler(h.reserve, h.release))
	registry.RegisterHandler(StepExecuteChain, saga.NewTypedHandler(h.transfer, h.reverse))
	registry.RegisterHandler(StepUpdateBalance, saga.NewTypedHandler(h.settle, h.unsettle))
	registry.RegisterHandler(StepSendNotification, saga.HandlerFuncs{ExecuteFunc: h.notify})

	if err := registry.RegisterDefinition(TypeDeposit, DepositSteps()); err != nil {
		return fmt.Errorf("register %s: %w", TypeDeposit, err)
	}
	if err := registry.RegisterDefinition(TypeWithdrawal, WithdrawalSteps()); err != nil {
		return fmt.Errorf("register %s: %w", TypeWithdrawal, err)
	}
	return nil
}

type handlers struct {
	svc Services
}

// HoldResult is the compensation data of the reserve-balance step.
type HoldResult struct {
	HoldID    string    `json:"hold_id"`
	Direction Direction `json:"direction"`
}

// TransferData is the optional step data of the chain step.
type TransferData struct {
	Address string `json:"address,omitempty"`
}

// SettleResult is the compensation data of the update-balance step.
type SettleResult struct {
	HoldID string `json:"hold_id"`
}

func (h *handlers) checkAsset(in *saga.StepInput) error {
	if h.svc.Assets == nil {
		return nil
	}
	limits, ok := h.svc.Assets[in.Asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, in.Asset)
	}
	if in.Amount < limits.Min || (limits.Max > 0 && in.Amount > limits.Max) {
		return fmt.Errorf("%w: %d %s, allowed [%d, %d]", ErrLimitExceeded, in.Amount, in.Asset, limits.Min, limits.Max)
	}
	return nil
}

func (h *handlers) validateDeposit(_ context.Context, in *saga.StepInput) (saga.Payload, error) {
	if in.TransactionType != TypeDeposit {
		return nil, fmt.Errorf("validate deposit: unexpected transaction type %s", in.TransactionType)
	}
	return nil, h.checkAsset(in)
}

func (h *handlers) validateWithdrawal(ctx context.Context, in *saga.StepInput) (saga.Payload, error) {
	if in.TransactionType != TypeWithdrawal {
		return nil, fmt.Errorf("validate withdrawal: unexpected transaction type %s", in.TransactionType)
	}
	if err := h.checkAsset(in); err != nil {
		return nil, err
	}
	bal, err := h.svc.Balances.Balance(ctx, in.UserID, in.Asset)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if bal.Available < in.Amount {
		return nil, fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, bal.Available, in.Amount)
	}
	return nil, nil
}

func (h *handlers) reserve(ctx context.Context, in *saga.StepInput, _ struct{}) (HoldResult, error) {
	dir, ok := DirectionOf(in.TransactionType)
	if !ok {
		return HoldResult{}, fmt.Errorf("reserve balance: unsupported transaction type %s", in.TransactionType)
	}
	err := h.svc.Balances.Hold(ctx, HoldRequest{
		HoldID:    in.TransactionID,
		UserID:    in.UserID,
		Asset:     in.Asset,
		Amount:    in.Amount,
		Direction: dir,
	})
	if err != nil {
		return HoldResult{}, err
	}
	return HoldResult{HoldID: in.TransactionID, Direction: dir}, nil
}

func (h *handlers) release(ctx context.Context, in *saga.StepInput, res HoldResult) error {
	holdID := res.HoldID
	if holdID == "" {
		holdID = in.TransactionID
	}
	return h.svc.Balances.Release(ctx, holdID)
}

func (h *handlers) transfer(ctx context.Context, in *saga.StepInput, data TransferData) (Receipt, error) {
	dir, _ := DirectionOf(in.TransactionType)
	address := data.Address
	if address == "" {
		address, _ = in.Metadata["address"].(string)
	}
	return h.svc.Chain.Execute(ctx, in.DedupeToken(), Transfer{
		TransactionID: in.TransactionID,
		UserID:        in.UserID,
		Asset:         in.Asset,
		Amount:        in.Amount,
		Direction:     dir,
		Address:       address,
	})
}

func (h *handlers) reverse(ctx context.Context, in *saga.StepInput, receipt Receipt) error {
	return h.svc.Chain.Reverse(ctx, in.DedupeToken()+":reverse", receipt)
}

func (h *handlers) settle(ctx context.Context, in *saga.StepInput, _ struct{}) (SettleResult, error) {
	if err := h.svc.Balances.Settle(ctx, in.TransactionID); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{HoldID: in.TransactionID}, nil
}

func (h *handlers) unsettle(ctx context.Context, in *saga.StepInput, res SettleResult) error {
	holdID := res.HoldID
	if holdID == "" {
		holdID = in.TransactionID
	}
	return h.svc.Balances.Unsettle(ctx, holdID)
}

func (h *handlers) notify(ctx context.Context, in *saga.StepInput) (saga.Payload, error) {
	err := h.svc.Notifier.Notify(ctx, in.DedupeToken(), Notification{
		UserID:          in.UserID,
		TransactionID:   in.TransactionID,
		TransactionType: in.TransactionType,
		Amount:          in.Amount,
		Asset:           in.Asset,
	})
	return nil, err
}
