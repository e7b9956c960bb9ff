//go:build linux

package perfevent

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind tags the three record variants this profiler understands, plus a
// catch-all for every other perf record type. The kernel ABI is closed, so
// this is a closed tagged union rather than an open interface (§9 Design
// Notes).
type Kind int

const (
	KindOther Kind = iota
	KindSample
	KindThreadStart
	KindThreadEnd
)

// Sample is a PERF_RECORD_SAMPLE payload: the instruction pointer and
// thread id at the moment of overflow, plus the reserved (unsymbolized)
// user-space call chain.
type Sample struct {
	IP        uint64
	PID       uint32
	TID       uint32
	Callchain []uint64
}

// ThreadEvent is a PERF_RECORD_FORK or PERF_RECORD_EXIT payload.
type ThreadEvent struct {
	PID       uint32
	PPID      uint32
	TID       uint32
	PTID      uint32
	TimeNanos uint64
}

// Record is a decoded ring-buffer entry. Exactly one of Sample or Thread is
// meaningful, selected by Kind.
type Record struct {
	Kind   Kind
	Sample Sample
	Thread ThreadEvent
}

func decodeRecord(rawType uint32, body []byte) (Record, error) {
	switch rawType {
	case unix.PERF_RECORD_SAMPLE:
		s, err := decodeSample(body)
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindSample, Sample: s}, nil
	case unix.PERF_RECORD_FORK:
		t, err := decodeThreadEvent(body)
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindThreadStart, Thread: t}, nil
	case unix.PERF_RECORD_EXIT:
		t, err := decodeThreadEvent(body)
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindThreadEnd, Thread: t}, nil
	default:
		return Record{Kind: KindOther}, nil
	}
}

// decodeSample reads the fixed {ip, pid, tid} prefix selected by
// PERF_SAMPLE_IP|PERF_SAMPLE_TID, then the PERF_SAMPLE_CALLCHAIN-selected
// {nr, ips[nr]} suffix, per the field order fixed by the Linux perf ABI
// (§6 External Interfaces).
func decodeSample(body []byte) (Sample, error) {
	r := bytes.NewReader(body)

	var fixed struct {
		IP  uint64
		PID uint32
		TID uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return Sample{}, fmt.Errorf("perfevent: short sample record: %w", err)
	}

	var nr uint64
	if err := binary.Read(r, binary.LittleEndian, &nr); err != nil {
		return Sample{}, fmt.Errorf("perfevent: sample missing callchain count: %w", err)
	}

	ips := make([]uint64, nr)
	if nr > 0 {
		if err := binary.Read(r, binary.LittleEndian, &ips); err != nil {
			return Sample{}, fmt.Errorf("perfevent: short callchain: %w", err)
		}
	}

	return Sample{
		IP:        fixed.IP,
		PID:       fixed.PID,
		TID:       fixed.TID,
		Callchain: ips,
	}, nil
}

func decodeThreadEvent(body []byte) (ThreadEvent, error) {
	var ev ThreadEvent
	r := bytes.NewReader(body)
	if err := binary.Read(r, binary.LittleEndian, &ev); err != nil {
		return ThreadEvent{}, fmt.Errorf("perfevent: short fork/exit record: %w", err)
	}
	return ev, nil
}
