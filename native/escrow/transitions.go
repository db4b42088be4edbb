package escrow

import (
	nativecommon "dexcrow/native/common"
)

// Action is an input to the escrow state machine.
type Action uint8

const (
	ActionDeposit Action = iota
	ActionConfirm
	ActionRaiseDispute
	ActionAttachArbiter
	ActionSubmitEvidence
	ActionResolveForBuyer
	ActionResolveForSeller
	ActionCancel
	ActionEmergencyRefund
	ActionRemoteComplete
	ActionRemoteCancel
)

func (a Action) String() string {
	switch a {
	case ActionDeposit:
		return "deposit"
	case ActionConfirm:
		return "confirm"
	case ActionRaiseDispute:
		return "raise_dispute"
	case ActionAttachArbiter:
		return "attach_arbiter"
	case ActionSubmitEvidence:
		return "submit_evidence"
	case ActionResolveForBuyer:
		return "resolve_for_buyer"
	case ActionResolveForSeller:
		return "resolve_for_seller"
	case ActionCancel:
		return "cancel"
	case ActionEmergencyRefund:
		return "emergency_refund"
	case ActionRemoteComplete:
		return "remote_complete"
	case ActionRemoteCancel:
		return "remote_cancel"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: action not allowed in current state")
	ErrTerminal          = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: escrow already settled")
)

// Transition returns the state reached by applying action in state. Guards on
// callers and timestamps are the engine's concern; this function only encodes
// which actions each state accepts.
func Transition(state State, action Action) (State, error) {
	switch state {
	case StateAwaitingDeposit:
		switch action {
		case ActionDeposit:
			return StateAwaitingFulfillment, nil
		case ActionCancel, ActionEmergencyRefund:
			return StateCanceled, nil
		}
	case StateAwaitingFulfillment:
		switch action {
		case ActionConfirm, ActionRemoteComplete:
			return StateCompleted, nil
		case ActionRaiseDispute:
			return StateDisputeRaised, nil
		case ActionCancel, ActionEmergencyRefund, ActionRemoteCancel:
			return StateCanceled, nil
		}
	case StateDisputeRaised:
		switch action {
		case ActionAttachArbiter, ActionSubmitEvidence:
			return StateDisputeRaised, nil
		case ActionResolveForSeller, ActionRemoteComplete:
			return StateCompleted, nil
		case ActionResolveForBuyer, ActionCancel, ActionEmergencyRefund, ActionRemoteCancel:
			return StateCanceled, nil
		}
	case StateCompleted, StateCanceled:
		return state, nativecommon.Wrapf(ErrTerminal, "%s rejected in %s", action, state)
	}
	return state, nativecommon.Wrapf(ErrInvalidTransition, "%s rejected in %s", action, state)
}
