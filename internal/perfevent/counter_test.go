//go:build linux

package perfevent

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openSelf opens a counter on the calling process's main thread, skipping
// the test in environments without CAP_PERFMON/perf_event_paranoid access,
// the same constraint every perf_event_open-based test in the examples
// runs under.
func openSelf(t *testing.T) *Counter {
	t.Helper()
	c, err := Open(os.Getpid(), 10_000_000)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			t.Skip("perf_event_open not permitted in this environment")
		}
		require.NoError(t, err)
	}
	return c
}

func TestOpenStartStopReset(t *testing.T) {
	c := openSelf(t)
	defer c.Close()

	require.NoError(t, c.Start())
	require.NoError(t, c.Reset())
	require.NoError(t, c.Stop())
}

func TestHasRecordFalseOnFreshCounter(t *testing.T) {
	c := openSelf(t)
	defer c.Close()

	require.False(t, c.HasRecord(), "a counter that was never started should have nothing to drain")
}

func TestNextRecordOnEmptyRingErrors(t *testing.T) {
	c := openSelf(t)
	defer c.Close()

	_, err := c.NextRecord()
	require.Error(t, err)
}

func TestCopyFromRingWrapsAroundBoundary(t *testing.T) {
	c := openSelf(t)
	defer c.Close()

	for i := range c.data {
		c.data[i] = byte(i)
	}

	dst := make([]byte, 16)
	pos := uint64(len(c.data) - 8)
	c.copyFromRing(pos, dst)

	for i := 0; i < 8; i++ {
		require.Equal(t, c.data[len(c.data)-8+i], dst[i])
	}
	for i := 0; i < 8; i++ {
		require.Equal(t, c.data[i], dst[8+i])
	}
}

func TestFdReturnsUnderlyingDescriptor(t *testing.T) {
	c := openSelf(t)
	defer c.Close()

	require.Equal(t, c.fd, c.Fd())
}

func TestOpenOfExitedProcessReturnsErrMissedThread(t *testing.T) {
	proc, err := os.StartProcess("/bin/true", []string{"true"}, &os.ProcAttr{})
	require.NoError(t, err)
	state, err := proc.Wait()
	require.NoError(t, err)
	require.True(t, state.Exited())

	_, err = Open(proc.Pid, 10_000_000)
	if err == nil {
		t.Skip("kernel reused the pid before perf_event_open could observe it exiting")
	}
	require.True(t, errors.Is(err, ErrMissedThread) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM))
}
