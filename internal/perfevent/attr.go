//go:build linux

package perfevent

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultSamplePeriod is the number of reference CPU cycles between
// overflow-driven samples, per §4.1 of the design.
const DefaultSamplePeriod uint64 = 10_000_000

// NumDataPages is the size, in pages, of each Counter's ring buffer data
// region. It must be a power of two so that byte offsets into the ring can
// be reduced modulo its size with a bitmask.
const NumDataPages = 256

// buildAttr constructs the perf_event_attr this profiler always opens:
// hardware reference CPU cycles, sampling IP/TID/callchain, task (fork/exit)
// records enabled, kernel and hypervisor samples excluded, watermark
// wakeups on every record.
func buildAttr(samplePeriod uint64) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_HARDWARE,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      unix.PERF_COUNT_HW_REF_CPU_CYCLES,
		Sample:      samplePeriod,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_CALLCHAIN,
		Wakeup:      1,
		Bits: unix.PerfBitDisabled |
			unix.PerfBitTask |
			unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeHv |
			unix.PerfBitExcludeCallchainKernel |
			unix.PerfBitWatermark,
	}
	return attr
}
