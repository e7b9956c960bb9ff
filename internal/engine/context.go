//go:build linux

// Package engine drives the event loop that fans in every sampled
// thread's ring buffer, dispatches sample/fork/exit records, and keeps the
// set of live counters in sync with the target's thread lifecycle.
package engine

import (
	"fmt"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"cyclesampler/internal/aggregate"
	"cyclesampler/internal/perfevent"
	"cyclesampler/internal/symbol"
)

// Context is the single-threaded, shared state touched only by the event
// loop goroutine: the live counters, the symbolizer, and the aggregator.
// Nothing outside this package ever mutates it directly.
type Context struct {
	samplePeriod uint64
	symbolizer   *symbol.Symbolizer
	aggregator   *aggregate.Aggregator
	log          zerolog.Logger

	epfd     int
	stopFd   int
	rootTID  int
	counters map[int]*perfevent.Counter // keyed by fd
	tidToFd  map[int]int
}

// NewContext creates a Context ready to track threads and drain their
// ring buffers. samplePeriod is the reference-cycle sampling period every
// Counter is opened with.
func NewContext(samplePeriod uint64, log zerolog.Logger) (*Context, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("engine: epoll_create1: %w", err)
	}

	stopFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("engine: eventfd: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopFd)}); err != nil {
		unix.Close(stopFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("engine: registering stop eventfd: %w", err)
	}

	return &Context{
		samplePeriod: samplePeriod,
		symbolizer:   symbol.New(),
		aggregator:   aggregate.New(samplePeriod),
		log:          log,
		epfd:         epfd,
		stopFd:       stopFd,
		counters:     make(map[int]*perfevent.Counter),
		tidToFd:      make(map[int]int),
	}, nil
}

// RequestStop asks a running Run loop to flush every live counter once
// and return, instead of waiting for the root thread's exit record. It is
// safe to call from a different goroutine than the one running Run.
func (c *Context) RequestStop() error {
	var val [8]byte
	val[0] = 1
	if _, err := unix.Write(c.stopFd, val[:]); err != nil {
		return fmt.Errorf("engine: signaling stop: %w", err)
	}
	return nil
}

// Report returns the final aggregated report. It must only be called
// after Run has returned.
func (c *Context) Report() aggregate.Report {
	return c.aggregator.Report()
}

// Mappings returns the memory mappings the symbolizer observed while
// resolving samples, for a pprof writer's mapping table.
func (c *Context) Mappings() []*profile.Mapping {
	return c.symbolizer.Mappings()
}

// Close releases every live counter and the epoll instance. It is safe to
// call after Run returns, whether Run succeeded or failed.
func (c *Context) Close() {
	for _, counter := range c.counters {
		if err := counter.Close(); err != nil {
			c.log.Warn().Err(err).Int("tid", counter.TID).Msg("failed to close counter")
		}
	}
	if err := unix.Close(c.stopFd); err != nil {
		c.log.Warn().Err(err).Msg("failed to close stop eventfd")
	}
	if err := unix.Close(c.epfd); err != nil {
		c.log.Warn().Err(err).Msg("failed to close epoll instance")
	}
}
