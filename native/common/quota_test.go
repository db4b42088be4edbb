package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaMessageLimit(t *testing.T) {
	q := Quota{MaxMessagesPerEpoch: 3, EpochSeconds: 3600}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Messages != 3 {
		t.Fatalf("unexpected message count: %d", next.Messages)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaMessagesExceeded) {
		t.Fatalf("expected ErrQuotaMessagesExceeded, got %v", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("quota denial must be retryable, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.Messages != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaBytes(t *testing.T) {
	q := Quota{MaxBytesPerEpoch: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 1, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Bytes != 1000 {
		t.Fatalf("unexpected bytes: %d", next.Bytes)
	}

	if _, err := CheckQuota(q, 5, next, 1, 1); !errors.Is(err, ErrQuotaBytesExceeded) {
		t.Fatalf("expected ErrQuotaBytesExceeded, got %v", err)
	}

	rollover, err := CheckQuota(q, 6, next, 1, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.Bytes != 500 {
		t.Fatalf("unexpected bytes after rollover: %d", rollover.Bytes)
	}
}

func TestQuotaEpoch(t *testing.T) {
	q := Quota{EpochSeconds: 60}
	if got := q.Epoch(125); got != 2 {
		t.Fatalf("unexpected epoch: %d", got)
	}
	if (Quota{}).Epoch(125) != 0 {
		t.Fatalf("zero epoch length must map everything to epoch 0")
	}
}
