package saga

import (
	"github.com/qmuntal/stateless"
)

// Transitions are fired with the destination status as the trigger, so a
// machine answers "may this status move to that one".

func newTransactionMachine(from TransactionStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(StatusPending).
		Permit(StatusProcessing, StatusProcessing).
		Permit(StatusCancelled, StatusCancelled)
	sm.Configure(StatusProcessing).
		Permit(StatusCompleted, StatusCompleted).
		Permit(StatusCompensating, StatusCompensating).
		Permit(StatusCancelled, StatusCancelled)
	sm.Configure(StatusCompensating).
		Permit(StatusCompensated, StatusCompensated).
		Permit(StatusFailed, StatusFailed).
		Permit(StatusCancelled, StatusCancelled)
	sm.Configure(StatusFailed).
		Permit(StatusPending, StatusPending).
		Permit(StatusCancelled, StatusCancelled)
	sm.Configure(StatusCompleted)
	sm.Configure(StatusCompensated)
	sm.Configure(StatusCancelled)
	return sm
}

func newStepMachine(from StepStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(StepPending).
		Permit(StepCompleted, StepCompleted).
		Permit(StepFailed, StepFailed)
	sm.Configure(StepCompleted).
		Permit(StepCompensated, StepCompensated)
	// Retry resets only; never taken by forward execution.
	sm.Configure(StepFailed).
		Permit(StepPending, StepPending)
	sm.Configure(StepCompensated).
		Permit(StepPending, StepPending)
	return sm
}

// canTransition reports whether a transaction may move from one status to another.
func canTransition(from, to TransactionStatus) bool {
	ok, err := newTransactionMachine(from).CanFire(to)
	return err == nil && ok
}

// canStepTransition reports whether a step may move from one status to another.
// Staying in PENDING is allowed so attempt bookkeeping can be written with a CAS.
func canStepTransition(from, to StepStatus) bool {
	if from == to && from == StepPending {
		return true
	}
	ok, err := newStepMachine(from).CanFire(to)
	return err == nil && ok
}

func checkTransition(tx *Transaction, to TransactionStatus) error {
	if !canTransition(tx.Status, to) {
		return conflict("transaction", tx.ID, "transition to "+string(to), tx.Status)
	}
	return nil
}
