//go:build linux

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"

	"cyclesampler/internal/perfevent"
)

// maxEpollEvents bounds a single EpollWait batch; threads beyond this
// count in one wakeup are simply drained, without loss, on a later call,
// since EpollWait reports level-triggered readiness again next time.
const maxEpollEvents = 64

// Run drives the event loop until the root thread's exit record is
// observed, or RequestStop is called, then returns. Every wakeup drains
// each ready counter to quiescence (HasRecord() == false) before the loop
// waits again, so a burst of samples on one thread never starves another
// (§4.4).
func (c *Context) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		n, err := unix.EpollWait(c.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("engine: epoll_wait: %w", err)
		}

		for _, ev := range events[:n] {
			fd := int(ev.Fd)

			if fd == c.stopFd {
				c.drainAll()
				return nil
			}

			counter, tracked := c.counters[fd]
			if !tracked {
				continue
			}

			done, err := c.drain(counter)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// drainAll flushes every live counter once, for a graceful stop: each
// counter is drained until HasRecord reports false (records the kernel
// writes while the drain is running are read too), and no further
// wakeups are waited for.
func (c *Context) drainAll() {
	for _, counter := range c.counters {
		if _, err := c.drain(counter); err != nil {
			c.log.Warn().Err(err).Int("tid", counter.TID).Msg("failed to drain counter during shutdown")
		}
	}
}

// drain consumes every record currently available on counter, returning
// true if the root thread's exit record was among them.
func (c *Context) drain(counter *perfevent.Counter) (shutdown bool, err error) {
	for counter.HasRecord() {
		rec, err := counter.NextRecord()
		if err != nil {
			return false, fmt.Errorf("engine: reading record for tid %d: %w", counter.TID, err)
		}

		switch rec.Kind {
		case perfevent.KindSample:
			funcName := c.symbolizer.Resolve(int(rec.Sample.PID), rec.Sample.IP)
			c.aggregator.RecordSample(int(rec.Sample.TID), funcName)

		case perfevent.KindThreadStart:
			if err := c.OnThreadStart(rec.Thread); err != nil {
				return false, err
			}

		case perfevent.KindThreadEnd:
			// The kernel ordinarily delivers a thread's exit on that
			// thread's own counter (§3.3), and OnThreadEnd closes
			// (munmaps) exactly that counter. If this exit belongs to
			// the counter being drained here, its ring is gone and
			// HasRecord/NextRecord must not be called on it again, so
			// stop draining it immediately rather than looping back to
			// the (still live, but now unmapped) counter.HasRecord()
			// check. When the exit instead names a different tid — the
			// kernel-version-dependent delivery ambiguity of §9 — the
			// counter being drained here was left untouched and it is
			// safe to keep consuming its ring.
			ownExit := int(rec.Thread.TID) == counter.TID
			isRoot, err := c.OnThreadEnd(rec.Thread)
			if err != nil {
				return false, err
			}
			if ownExit {
				return isRoot, nil
			}
			if isRoot {
				return true, nil
			}

		case perfevent.KindOther:
			// Unhandled record types (mmap, comm, ...) are not part of
			// this profiler's sampling contract.
		}
	}
	return false, nil
}
