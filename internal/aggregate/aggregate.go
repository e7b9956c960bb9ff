// Package aggregate turns symbolized samples into per-thread function
// histograms and a deterministic final report.
package aggregate

import "sort"

// Line is one row of a thread's report: a function name, how many times
// it was sampled, the cycles attributed to it, and its share of that
// thread's samples.
type Line struct {
	FuncName   string
	Count      uint64
	Cycles     uint64
	Percentage float64
}

// ThreadReport is one thread's sorted histogram.
type ThreadReport struct {
	TID   int
	Total uint64
	Lines []Line
}

// Report is the materialized, final output of an Aggregator: one
// ThreadReport per sampled thread, ordered by ascending tid, plus the
// global sample total across every thread.
type Report struct {
	Threads     []ThreadReport
	GlobalTotal uint64
}

type threadHistogram struct {
	tid    int
	counts map[string]uint64
	total  uint64
}

// Aggregator owns every thread's function histogram for the lifetime of
// one profiling run. It is mutated only from the single event-loop
// goroutine and needs no internal locking (§5 Concurrency & Resource
// Model).
type Aggregator struct {
	samplePeriod uint64
	histograms   map[int]*threadHistogram
	order        []int
	globalTotal  uint64
}

// New creates an empty Aggregator. samplePeriod is the number of reference
// cycles between samples, used to convert a raw sample count into an
// attributed cycle count in the final report.
func New(samplePeriod uint64) *Aggregator {
	return &Aggregator{
		samplePeriod: samplePeriod,
		histograms:   make(map[int]*threadHistogram),
	}
}

// RecordSample increments tid's count for functionName, tid's total, and
// the global total.
func (a *Aggregator) RecordSample(tid int, functionName string) {
	h, ok := a.histograms[tid]
	if !ok {
		h = &threadHistogram{tid: tid, counts: make(map[string]uint64)}
		a.histograms[tid] = h
		a.order = append(a.order, tid)
	}
	h.counts[functionName]++
	h.total++
	a.globalTotal++
}

// Report produces the final, sorted listing. Within each thread, lines
// are ordered by count descending, ties broken by function name
// ascending, so the output is deterministic across runs.
func (a *Aggregator) Report() Report {
	tids := make([]int, len(a.order))
	copy(tids, a.order)
	sort.Ints(tids)

	threads := make([]ThreadReport, 0, len(tids))
	for _, tid := range tids {
		h := a.histograms[tid]

		lines := make([]Line, 0, len(h.counts))
		for name, count := range h.counts {
			var pct float64
			if h.total > 0 {
				pct = float64(count) / float64(h.total) * 100
			}
			lines = append(lines, Line{
				FuncName:   name,
				Count:      count,
				Cycles:     count * a.samplePeriod,
				Percentage: pct,
			})
		}
		sort.Slice(lines, func(i, j int) bool {
			if lines[i].Count != lines[j].Count {
				return lines[i].Count > lines[j].Count
			}
			return lines[i].FuncName < lines[j].FuncName
		})

		threads = append(threads, ThreadReport{
			TID:   tid,
			Total: h.total,
			Lines: lines,
		})
	}

	return Report{Threads: threads, GlobalTotal: a.globalTotal}
}
