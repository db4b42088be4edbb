package arbiter

import (
	"strconv"

	"dexcrow/core/types"
)

const (
	EventTypeMembershipRequested = "arbiter.requested"
	EventTypeApproved            = "arbiter.approved"
	EventTypeRevoked             = "arbiter.revoked"
	EventTypeUnlocked            = "arbiter.unlocked"
	EventTypeEngaged             = "arbiter.engaged"
	EventTypeDisengaged          = "arbiter.disengaged"
)

func newRecordEvent(eventType string, r *Record) *types.Event {
	attrs := map[string]string{
		"arbiter":     r.Address.Hex(),
		"stake":       cloneBigInt(r.Stake).String(),
		"approved":    strconv.FormatBool(r.Approved),
		"engagements": strconv.FormatUint(r.Engagements, 10),
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
