package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shunsukew/rundler/pool"
)

// TestBundleSender_RunLeavesNoGoroutinesAfterCancel pins Run's shutdown
// contract (spec §4.5, "shutdown token | drain, do not submit new txs |
// Stopped"): cancelling ctx must stop the polling goroutine, not leak it.
func TestBundleSender_RunLeavesNoGoroutinesAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := newFakeProvider()
	ep := &fakeEntryPoint{}
	memPool := pool.NewMemoryPoolWithChainID(1)
	sender := newTestSender(t, provider, ep, memPool)
	sender.settings.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sender.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
	require.Equal(t, SenderStopped, sender.State())
}
