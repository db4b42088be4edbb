package quotas

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dexcrow/core/state"
	nativecommon "dexcrow/native/common"
	"dexcrow/storage"
)

func TestConsumeEnforcesLimitPerEpoch(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	q := nativecommon.Quota{MaxMessagesPerEpoch: 2, EpochSeconds: 100}
	subject := []byte{0x89}

	_, err := store.Consume("messenger", q, 10, subject, 1, 40)
	require.NoError(t, err)
	now, err := store.Consume("messenger", q, 20, subject, 1, 40)
	require.NoError(t, err)
	require.Equal(t, uint32(2), now.Messages)
	require.Equal(t, uint64(80), now.Bytes)

	_, err = store.Consume("messenger", q, 30, subject, 1, 40)
	require.ErrorIs(t, err, nativecommon.ErrQuotaMessagesExceeded)

	loaded, err := store.Load("messenger", 0, subject)
	require.NoError(t, err)
	require.Equal(t, uint32(2), loaded.Messages)

	// next epoch starts from zero
	now, err = store.Consume("messenger", q, 150, subject, 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), now.EpochID)
	require.Equal(t, uint32(1), now.Messages)
}

func TestConsumeDisabledQuota(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	for i := 0; i < 10; i++ {
		_, err := store.Consume("messenger", nativecommon.Quota{}, uint64(i), []byte{0x01}, 1, 1000)
		require.NoError(t, err)
	}
}

func TestPruneEpoch(t *testing.T) {
	store := NewStore(state.NewManager(storage.NewMemDB()))
	q := nativecommon.Quota{MaxMessagesPerEpoch: 5, EpochSeconds: 10}
	_, err := store.Consume("messenger", q, 1, []byte{0x01}, 1, 0)
	require.NoError(t, err)
	_, err = store.Consume("messenger", q, 1, []byte{0x02}, 1, 0)
	require.NoError(t, err)

	require.NoError(t, store.PruneEpoch("messenger", 0))
	loaded, err := store.Load("messenger", 0, []byte{0x01})
	require.NoError(t, err)
	require.Zero(t, loaded.Messages)
}
