package common

import "math"

var (
	ErrQuotaMessagesExceeded = NewError(ErrUnavailable, "quota messages exceeded")
	ErrQuotaBytesExceeded    = NewError(ErrUnavailable, "quota payload bytes exceeded")
	ErrQuotaCounterOverflow  = NewError(ErrValidation, "quota counter overflow")
)

// QuotaNow captures the usage counters of one quota subject for an epoch.
type QuotaNow struct {
	Messages uint32
	Bytes    uint64
	EpochID  uint64
}

// Quota defines the outbound limits enforced per subject and epoch. Zero
// limits are unlimited.
type Quota struct {
	MaxMessagesPerEpoch uint32
	MaxBytesPerEpoch    uint64
	EpochSeconds        uint32
}

// Epoch maps a unix timestamp onto the quota's epoch number.
func (q Quota) Epoch(now uint64) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	return now / uint64(q.EpochSeconds)
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxMessagesPerEpoch > 0 || q.MaxBytesPerEpoch > 0
}

// CheckQuota verifies whether the additional messages and payload bytes fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded; on denial prev is returned.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addMessages uint32, addBytes uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addMessages > 0 {
		if next.Messages > math.MaxUint32-addMessages {
			return prev, ErrQuotaCounterOverflow
		}
		next.Messages += addMessages
	}
	if q.MaxMessagesPerEpoch > 0 && next.Messages > q.MaxMessagesPerEpoch {
		return prev, ErrQuotaMessagesExceeded
	}

	if addBytes > 0 {
		if next.Bytes > math.MaxUint64-addBytes {
			return prev, ErrQuotaCounterOverflow
		}
		next.Bytes += addBytes
	}
	if q.MaxBytesPerEpoch > 0 && next.Bytes > q.MaxBytesPerEpoch {
		return prev, ErrQuotaBytesExceeded
	}

	return next, nil
}
