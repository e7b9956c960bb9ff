//go:build linux

package engine

import (
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"cyclesampler/internal/perfevent"
)

// newTestContext builds a Context and skips the test if this environment
// can't open hardware performance counters at all (e.g. an unprivileged
// container without CAP_PERFMON/perf_event_paranoid access) — the same
// constraint every perf_event_open-based test in the examples runs under.
func newTestContext(t *testing.T) *Context {
	t.Helper()
	c, err := NewContext(10_000_000, zerolog.Nop())
	require.NoError(t, err)

	if _, err := perfevent.Open(os.Getpid(), 10_000_000); err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			c.Close()
			t.Skip("perf_event_open not permitted in this environment")
		}
		require.NoError(t, err)
	}
	return c
}

func TestSeedRegistersRootCounter(t *testing.T) {
	c := newTestContext(t)
	defer c.Close()

	require.NoError(t, c.Seed(os.Getpid()))
	require.Len(t, c.counters, 1)
	require.Contains(t, c.tidToFd, os.Getpid())
}

func TestOnThreadStartIsIdempotent(t *testing.T) {
	c := newTestContext(t)
	defer c.Close()

	require.NoError(t, c.Seed(os.Getpid()))

	ev := perfevent.ThreadEvent{TID: uint32(os.Getpid())}
	require.NoError(t, c.OnThreadStart(ev))
	require.Len(t, c.counters, 1, "a duplicate ThreadStart for an already-tracked tid must be a no-op")
}

func TestOnThreadEndReportsRoot(t *testing.T) {
	c := newTestContext(t)
	defer c.Close()

	require.NoError(t, c.Seed(os.Getpid()))

	isRoot, err := c.OnThreadEnd(perfevent.ThreadEvent{TID: uint32(os.Getpid())})
	require.NoError(t, err)
	require.True(t, isRoot)
	require.Empty(t, c.counters)
}
