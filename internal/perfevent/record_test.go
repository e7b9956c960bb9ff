//go:build linux

package perfevent

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func encodeSampleBody(ip uint64, pid, tid uint32, chain []uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, ip)
	binary.Write(&buf, binary.LittleEndian, pid)
	binary.Write(&buf, binary.LittleEndian, tid)
	binary.Write(&buf, binary.LittleEndian, uint64(len(chain)))
	for _, addr := range chain {
		binary.Write(&buf, binary.LittleEndian, addr)
	}
	return buf.Bytes()
}

func TestDecodeRecordSample(t *testing.T) {
	body := encodeSampleBody(0xdeadbeef, 100, 101, []uint64{0x1, 0x2, 0x3})

	rec, err := decodeRecord(unix.PERF_RECORD_SAMPLE, body)
	require.NoError(t, err)
	require.Equal(t, KindSample, rec.Kind)
	require.Equal(t, uint64(0xdeadbeef), rec.Sample.IP)
	require.Equal(t, uint32(100), rec.Sample.PID)
	require.Equal(t, uint32(101), rec.Sample.TID)
	require.Equal(t, []uint64{0x1, 0x2, 0x3}, rec.Sample.Callchain)
}

func TestDecodeRecordSampleWithEmptyCallchain(t *testing.T) {
	body := encodeSampleBody(0x1000, 1, 2, nil)

	rec, err := decodeRecord(unix.PERF_RECORD_SAMPLE, body)
	require.NoError(t, err)
	require.Empty(t, rec.Sample.Callchain)
}

func TestDecodeRecordSampleTruncatedErrors(t *testing.T) {
	body := encodeSampleBody(0x1000, 1, 2, []uint64{0x1, 0x2})
	_, err := decodeRecord(unix.PERF_RECORD_SAMPLE, body[:len(body)-4])
	require.Error(t, err)
}

func TestDecodeRecordFork(t *testing.T) {
	ev := ThreadEvent{PID: 10, PPID: 1, TID: 11, PTID: 1, TimeNanos: 123456}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ev))

	rec, err := decodeRecord(unix.PERF_RECORD_FORK, buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, KindThreadStart, rec.Kind)
	require.Equal(t, ev, rec.Thread)
}

func TestDecodeRecordExit(t *testing.T) {
	ev := ThreadEvent{PID: 10, PPID: 1, TID: 11, PTID: 1, TimeNanos: 999}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ev))

	rec, err := decodeRecord(unix.PERF_RECORD_EXIT, buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, KindThreadEnd, rec.Kind)
	require.Equal(t, ev, rec.Thread)
}

func TestDecodeRecordUnknownTypeIsKindOther(t *testing.T) {
	rec, err := decodeRecord(unix.PERF_RECORD_MMAP, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, KindOther, rec.Kind)
}
