package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeJournal struct {
	snapshots int
	reverted  []int
}

func (j *fakeJournal) Snapshot() int {
	j.snapshots++
	return j.snapshots - 1
}

func (j *fakeJournal) RevertToSnapshot(id int) error {
	j.reverted = append(j.reverted, id)
	return nil
}

func TestAtomicRevertsOnError(t *testing.T) {
	j := &fakeJournal{}
	boom := NewError(ErrEconomic, "boom")
	err := Atomic(j, func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{0}, j.reverted)

	require.NoError(t, Atomic(j, func() error { return nil }))
	require.Equal(t, []int{0}, j.reverted)
}

func TestAtomicConvertsPanic(t *testing.T) {
	j := &fakeJournal{}
	err := Atomic(j, func() error { panic("kaboom") })
	require.ErrorIs(t, err, ErrInternal)
	require.Len(t, j.reverted, 1)
}

func TestReentrancyGuardRejectsNestedCall(t *testing.T) {
	var guard ReentrancyGuard
	j := &fakeJournal{}
	var inner error
	err := guard.Execute(j, func() error {
		inner = guard.Execute(j, func() error { return nil })
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrReentrantCall)
	require.False(t, guard.Entered())

	// The guard is released after a failing call as well.
	require.Error(t, guard.Execute(j, func() error { return errors.New("x") }))
	require.NoError(t, guard.Execute(j, func() error { return nil }))
}

func TestKindOf(t *testing.T) {
	errZero := NewError(ErrValidation, "escrow: amount must be positive")
	require.Equal(t, "validation", KindOf(errZero))
	require.Equal(t, "validation", KindOf(Wrapf(errZero, "got %d", 0)))
	require.Equal(t, "unavailable", KindOf(ErrModulePaused))
	require.True(t, Retryable(ErrModulePaused))
	require.Equal(t, "internal", KindOf(errors.New("plain")))
	require.Equal(t, "", KindOf(nil))
	require.ErrorIs(t, Wrapf(errZero, "ctx"), errZero)
}

type pauses map[string]bool

func (p pauses) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	p := pauses{ModuleEscrow: true}
	require.ErrorIs(t, Guard(p, ModuleEscrow), ErrModulePaused)
	require.NoError(t, Guard(p, ModuleFactory))
	require.NoError(t, Guard(nil, ModuleEscrow))
}

func TestModuleAddressDistinct(t *testing.T) {
	require.NotEqual(t, ModuleAddress("escrow"), ModuleAddress("arbiter"))
	require.Equal(t, ModuleAddress("escrow"), ModuleAddress("escrow"))
}
