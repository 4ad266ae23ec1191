package activity

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Spec §4.11: each tick, if hasActivity is clear, fire the timeout once.
func TestTimerFiresOnInactivity(t *testing.T) {
	var fired int32
	tm := New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	defer tm.Cancel()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

// Update() suppresses the next tick's timeout.
func TestTimerUpdateSuppressesTimeout(t *testing.T) {
	var fired int32
	tm := New(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	defer tm.Cancel()

	stop := time.After(80 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(10 * time.Millisecond):
			tm.Update()
		}
	}
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

// spec §4.11: "new <= 0 invokes the callback immediately".
func TestSetTimeoutNonPositiveFiresImmediately(t *testing.T) {
	var fired int32
	tm := New(time.Hour, func() { atomic.AddInt32(&fired, 1) })
	tm.SetTimeout(0)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelPreventsFiring(t *testing.T) {
	var fired int32
	tm := New(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	tm.Cancel()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
