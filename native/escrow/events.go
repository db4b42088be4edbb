package escrow

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/types"
)

const (
	EventTypeEscrowCreated         = "escrow.created"
	EventTypeEscrowFunded          = "escrow.funded"
	EventTypeEscrowCompleted       = "escrow.completed"
	EventTypeEscrowCanceled        = "escrow.canceled"
	EventTypeEscrowDisputed        = "escrow.disputed"
	EventTypeEscrowArbiterAssigned = "escrow.arbiter_assigned"
	EventTypeEscrowEvidence        = "escrow.evidence"
	EventTypeEscrowResolved        = "escrow.resolved"
	EventTypeEscrowEmergencyRefund = "escrow.emergency_refund"
	EventTypeEscrowRemoteSettled   = "escrow.remote_settled"
	EventTypeEscrowMirrored        = "escrow.mirrored"
	EventTypeFactoryParamsUpdated  = "escrow.factory.params_updated"
	EventTypeFactoryFeesWithdrawn  = "escrow.factory.fees_withdrawn"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e, 0) }

// NewFundedEvent is emitted once the escrow holds its full amount.
func NewFundedEvent(e *Escrow, prev State) *types.Event {
	return newEscrowEvent(EventTypeEscrowFunded, e, prev)
}

func newEscrowEvent(eventType string, e *Escrow, prev State) *types.Event {
	attrs := map[string]string{
		"id":       e.ID.Hex(),
		"sequence": strconv.FormatUint(e.Sequence, 10),
		"buyer":    e.Buyer.Hex(),
		"seller":   e.Seller.Hex(),
		"asset":    e.Asset.Hex(),
		"amount":   cloneBigInt(e.Amount).String(),
		"state":    e.State.String(),
	}
	if eventType != EventTypeEscrowCreated {
		attrs["previousState"] = prev.String()
	}
	if e.Arbiter != (common.Address{}) {
		attrs["arbiter"] = e.Arbiter.Hex()
	}
	if e.IsMirror() {
		attrs["sourceChainId"] = strconv.FormatUint(e.Remote.SourceChainID, 10)
		attrs["originId"] = e.Remote.CounterpartID.Hex()
	}
	if e.IsOrigin() {
		attrs["targetChainId"] = strconv.FormatUint(e.Remote.TargetChainID, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newTransitionEvent(eventType string, e *Escrow, prev State, extra map[string]string) *types.Event {
	evt := newEscrowEvent(eventType, e, prev)
	for k, v := range extra {
		evt.Attributes[k] = v
	}
	return evt
}

func newParamsEvent(field, value string) *types.Event {
	return &types.Event{Type: EventTypeFactoryParamsUpdated, Attributes: map[string]string{
		"field": field,
		"value": value,
	}}
}
