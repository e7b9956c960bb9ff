//go:build linux

package perfevent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrMissedThread is returned by Open when the kernel reports ESRCH: the
// target thread exited between the FORK record that named it and the
// perf_event_open call meant to start sampling it. This is expected under
// fast-forking workloads and is never retried (§9 Open Questions).
var ErrMissedThread = errors.New("perfevent: thread exited before sampling could start")

// recordHeaderSize is the fixed 8-byte {type, misc, size} prefix every perf
// ring-buffer record begins with, regardless of its payload.
const recordHeaderSize = 8

// Counter is a single perf_event_open file descriptor, its mmap'd ring
// buffer, and the read cursor into that ring. One Counter exists per
// sampled thread (§4.1).
//
// The control page is golang.org/x/sys/unix's PerfEventMmapPage, which
// already encodes the kernel's perf_event_mmap_page layout (data_head and
// data_tail sit at a fixed offset the ABI promises never moves across
// kernel versions).
type Counter struct {
	TID int

	fd      int
	ring    []byte
	control *unix.PerfEventMmapPage
	data    []byte
	mask    uint64
	tail    uint64
}

// Open creates and maps a hardware reference-cycles counter for tid,
// sampling every samplePeriod cycles. The counter is created disabled;
// call Start to begin sampling.
func Open(tid int, samplePeriod uint64) (*Counter, error) {
	attr := buildAttr(samplePeriod)

	fd, err := unix.PerfEventOpen(attr, tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil, ErrMissedThread
		}
		return nil, fmt.Errorf("perfevent: perf_event_open(tid=%d): %w", tid, err)
	}

	pageSize := os.Getpagesize()
	ringLen := pageSize * (1 + NumDataPages)

	ring, err := unix.Mmap(fd, 0, ringLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("perfevent: mmap(tid=%d): %w", tid, err)
	}

	control := (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0]))
	dataSize := uint64(pageSize * NumDataPages)

	return &Counter{
		TID:     tid,
		fd:      fd,
		ring:    ring,
		control: control,
		data:    ring[pageSize : pageSize+int(dataSize)],
		mask:    dataSize - 1,
		tail:    atomic.LoadUint64(&control.Data_tail),
	}, nil
}

// Start enables sampling on the counter.
func (c *Counter) Start() error {
	return c.ioctl(unix.PERF_EVENT_IOC_ENABLE)
}

// Stop disables sampling on the counter. Records already in the ring
// remain readable.
func (c *Counter) Stop() error {
	return c.ioctl(unix.PERF_EVENT_IOC_DISABLE)
}

// Reset zeroes the counter's accumulated overflow count. It does not clear
// the ring buffer.
func (c *Counter) Reset() error {
	return c.ioctl(unix.PERF_EVENT_IOC_RESET)
}

func (c *Counter) ioctl(op uint) error {
	if err := unix.IoctlSetInt(c.fd, op, 0); err != nil {
		return fmt.Errorf("perfevent: ioctl(tid=%d, op=%#x): %w", c.TID, op, err)
	}
	return nil
}

// Fd returns the counter's file descriptor, for registering with an
// epoll instance.
func (c *Counter) Fd() int { return c.fd }

// HasRecord reports whether the ring buffer holds at least one unread
// record.
func (c *Counter) HasRecord() bool {
	head := atomic.LoadUint64(&c.control.Data_head)
	return head != c.tail
}

// NextRecord decodes and consumes the oldest unread record. It must only
// be called when HasRecord reports true.
//
// A record's bytes may straddle the physical end of the data region, so
// the header and body are both copied out of the ring with copyFromRing,
// which wraps around as needed; the decoded Record never refers to the
// mmap'd buffer. A record whose declared size would read past data_head
// is rejected as an error. The tail is advanced with a release store only
// after the record's bytes have been copied, so the kernel never reuses a
// slot this goroutine is still reading.
func (c *Counter) NextRecord() (Record, error) {
	head := atomic.LoadUint64(&c.control.Data_head)
	if head == c.tail {
		return Record{}, fmt.Errorf("perfevent: NextRecord called with an empty ring (tid=%d)", c.TID)
	}

	var header [recordHeaderSize]byte
	c.copyFromRing(c.tail, header[:])
	rawType := binary.LittleEndian.Uint32(header[0:4])
	size := binary.LittleEndian.Uint16(header[6:8])

	if uint64(size) < recordHeaderSize {
		return Record{}, fmt.Errorf("perfevent: corrupt record header (tid=%d, size=%d)", c.TID, size)
	}
	if c.tail+uint64(size) > head {
		return Record{}, fmt.Errorf("perfevent: record of size %d at tail %d would read past data_head %d (tid=%d)", size, c.tail, head, c.TID)
	}

	body := make([]byte, int(size)-recordHeaderSize)
	c.copyFromRing(c.tail+recordHeaderSize, body)

	rec, err := decodeRecord(rawType, body)
	if err != nil {
		return Record{}, err
	}

	c.tail += uint64(size)
	atomic.StoreUint64(&c.control.Data_tail, c.tail)

	return rec, nil
}

// copyFromRing copies len(dst) bytes starting at ring offset pos (mod the
// ring's size) into dst, wrapping around the end of the data region as
// needed.
func (c *Counter) copyFromRing(pos uint64, dst []byte) {
	start := pos & c.mask
	n := copy(dst, c.data[start:])
	if n < len(dst) {
		copy(dst[n:], c.data[:len(dst)-n])
	}
}

// Close unmaps the ring buffer and closes the underlying file descriptor.
func (c *Counter) Close() error {
	if err := unix.Munmap(c.ring); err != nil {
		unix.Close(c.fd)
		return fmt.Errorf("perfevent: munmap(tid=%d): %w", c.TID, err)
	}
	return unix.Close(c.fd)
}
