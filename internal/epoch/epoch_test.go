package epoch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/epoch"
	"github.com/limestonedb/limestone/pkg/fs"
)

func TestCoordinator_SwitchEpoch_RejectsNonIncreasing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := epoch.Open(fs.NewReal(), dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.SwitchEpoch(5))
	err = c.SwitchEpoch(5)
	require.ErrorIs(t, err, limestone.ErrInvariantViolation)

	err = c.SwitchEpoch(4)
	require.ErrorIs(t, err, limestone.ErrInvariantViolation)
}

func TestCoordinator_DurableEpoch_MinOverActiveChannels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := epoch.Open(fs.NewReal(), dir, zap.NewNop())
	require.NoError(t, err)

	c.RegisterChannel(0)
	c.RegisterChannel(1)

	require.NoError(t, c.NotifyCompletedEpoch(0, 5))
	require.Equal(t, uint64(5), c.DurableEpoch(), "channel 1 has not completed any session yet, so it does not hold the durable epoch back")

	require.NoError(t, c.NotifyCompletedEpoch(1, 7))
	require.Equal(t, uint64(5), c.DurableEpoch(), "channel 0 is still at epoch 5")

	require.NoError(t, c.NotifyCompletedEpoch(0, 7))
	require.Equal(t, uint64(7), c.DurableEpoch())
}

func TestCoordinator_DurableEpoch_NonDecreasing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := epoch.Open(fs.NewReal(), dir, zap.NewNop())
	require.NoError(t, err)

	c.RegisterChannel(0)
	require.NoError(t, c.NotifyCompletedEpoch(0, 3))
	require.Equal(t, uint64(3), c.DurableEpoch())

	// A stale notification below the current durable epoch must not
	// regress it (channel state always reflects the latest session, but
	// recomputation never decreases durableEpoch).
	require.NoError(t, c.NotifyCompletedEpoch(0, 2))
	require.Equal(t, uint64(3), c.DurableEpoch())
}

func TestCoordinator_WaitForDurableEpoch_UnblocksOnAdvance(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := epoch.Open(fs.NewReal(), dir, zap.NewNop())
	require.NoError(t, err)

	c.RegisterChannel(0)

	done := make(chan error, 1)

	go func() {
		done <- c.WaitForDurableEpoch(context.Background(), 7)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.NotifyCompletedEpoch(0, 7))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not unblock after durable epoch advanced")
	}
}

func TestCoordinator_WaitForDurableEpoch_RespectsDeadline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := epoch.Open(fs.NewReal(), dir, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = c.WaitForDurableEpoch(ctx, 1)
	require.ErrorIs(t, err, limestone.ErrDeadlineExceeded)
}

func TestCoordinator_Open_RecoversLastDurableEpoch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	c, err := epoch.Open(real, dir, zap.NewNop())
	require.NoError(t, err)

	c.RegisterChannel(0)
	require.NoError(t, c.NotifyCompletedEpoch(0, 9))
	require.NoError(t, c.Close())

	c2, err := epoch.Open(real, dir, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, uint64(9), c2.DurableEpoch())
}
