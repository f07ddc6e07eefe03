package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ratingbot/pkg/logx"
)

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.False(t, Ready())
	assert.False(t, Status("polling"))
	assert.False(t, Stopping())
}

func TestWatchdogDisabledWaitsForCancel(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, nil, logx.Nop()) }()

	select {
	case <-done:
		t.Fatal("watchdog returned before cancel")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
