package timeoutsvc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestService_FiresAfterDuration(t *testing.T) {
	s := New()
	var fired atomic.Bool
	s.Arm("c1", 20*time.Millisecond, func() { fired.Store(true) })

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, s.Pending())
}

func TestService_CancelPreventsFiring(t *testing.T) {
	s := New()
	var fired atomic.Bool
	s.Arm("c1", 50*time.Millisecond, func() { fired.Store(true) })

	ok := s.Cancel("c1")
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestService_ReArmReplacesPreviousTimer(t *testing.T) {
	s := New()
	var fireCount atomic.Int32
	s.Arm("c1", 10*time.Millisecond, func() { fireCount.Add(1) })
	s.Arm("c1", 10*time.Millisecond, func() { fireCount.Add(1) })

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fireCount.Load())
}
