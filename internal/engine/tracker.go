//go:build linux

package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"cyclesampler/internal/perfevent"
)

// Seed opens, registers, and starts the root counter for the child
// process's main thread. It must be called exactly once, before the
// target is released to run (§4.3).
func (c *Context) Seed(rootTID int) error {
	c.rootTID = rootTID
	return c.openAndStart(rootTID)
}

// OnThreadStart opens, registers, and starts a counter for a newly
// observed thread. It is idempotent: a duplicate tid (the kernel can
// report the same thread's fork more than once under the documented
// delivery ambiguity, §9) is a no-op rather than an error.
func (c *Context) OnThreadStart(ev perfevent.ThreadEvent) error {
	tid := int(ev.TID)
	if _, tracked := c.tidToFd[tid]; tracked {
		return nil
	}
	return c.openAndStart(tid)
}

// OnThreadEnd tears down the counter for a thread that has exited.
// isRoot reports whether the exiting thread was the one Seed armed,
// which signals the caller to stop the event loop.
func (c *Context) OnThreadEnd(ev perfevent.ThreadEvent) (isRoot bool, err error) {
	tid := int(ev.TID)
	fd, tracked := c.tidToFd[tid]
	if !tracked {
		return tid == c.rootTID, nil
	}

	counter := c.counters[fd]
	if unregErr := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, fd, nil); unregErr != nil {
		c.log.Warn().Err(unregErr).Int("tid", tid).Msg("failed to deregister counter from epoll")
	}
	delete(c.counters, fd)
	delete(c.tidToFd, tid)

	if closeErr := counter.Close(); closeErr != nil {
		err = fmt.Errorf("engine: closing counter for tid %d: %w", tid, closeErr)
	}

	return tid == c.rootTID, err
}

func (c *Context) openAndStart(tid int) error {
	counter, err := perfevent.Open(tid, c.samplePeriod)
	if err != nil {
		if errors.Is(err, perfevent.ErrMissedThread) {
			c.log.Warn().Int("tid", tid).Msg("thread exited before sampling could start")
			return nil
		}
		return fmt.Errorf("engine: opening counter for tid %d: %w", tid, err)
	}

	fd := counter.Fd()
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		counter.Close()
		return fmt.Errorf("engine: registering counter for tid %d with epoll: %w", tid, err)
	}

	if err := counter.Start(); err != nil {
		unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		counter.Close()
		return fmt.Errorf("engine: starting counter for tid %d: %w", tid, err)
	}

	c.counters[fd] = counter
	c.tidToFd[tid] = fd
	return nil
}
