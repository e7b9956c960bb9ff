// Package report renders an aggregate.Report as a human-readable table
// and, optionally, as a pprof profile.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/pprof/profile"

	"cyclesampler/internal/aggregate"
)

// WriteTable renders report as one tab-aligned function table per thread,
// ordered the same way aggregate.Report produced them.
func WriteTable(w io.Writer, r aggregate.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	for _, thread := range r.Threads {
		fmt.Fprintf(tw, "thread %d (%d samples)\n", thread.TID, thread.Total)
		fmt.Fprintln(tw, "FUNCTION\tCOUNT\tCYCLES\tPERCENT")
		fmt.Fprintln(tw, "--------\t-----\t------\t-------")
		for _, line := range thread.Lines {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f%%\n", line.FuncName, line.Count, line.Cycles, line.Percentage)
		}
		fmt.Fprintln(tw)
	}
	fmt.Fprintf(tw, "total samples across %d threads: %d\n", len(r.Threads), r.GlobalTotal)

	tw.Flush()
}

// Location is one symbolized sample address with its thread and function.
// WritePprof does not take Locations; it builds one location per
// (thread, function) line of the aggregated report.
type Location struct {
	TID      int
	Addr     uint64
	FuncName string
}

// WritePprof writes report's samples as a pprof profile: one sample per
// (thread, function) line, labelled with the thread id. mappings (the
// /proc/<pid>/maps rows the symbolizer observed) are numbered and stored
// as the profile's mapping table; locations carry only a function, with
// no address and no mapping.
func WritePprof(w io.Writer, r aggregate.Report, samplePeriod uint64, mappings []*profile.Mapping) error {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cycles", Unit: "count"},
		Period:     int64(samplePeriod),
		TimeNanos:  time.Now().UnixNano(),
	}

	for i, m := range mappings {
		m.ID = uint64(i + 1)
	}
	prof.Mapping = mappings

	functionIDs := make(map[string]uint64)
	for _, thread := range r.Threads {
		for _, line := range thread.Lines {
			if _, ok := functionIDs[line.FuncName]; ok {
				continue
			}
			id := uint64(len(functionIDs) + 1)
			functionIDs[line.FuncName] = id
			prof.Function = append(prof.Function, &profile.Function{
				ID:   id,
				Name: line.FuncName,
			})
		}
	}

	for _, thread := range r.Threads {
		for _, line := range thread.Lines {
			fnID := functionIDs[line.FuncName]
			loc := &profile.Location{
				ID: uint64(len(prof.Location) + 1),
				Line: []profile.Line{{
					Function: findFunction(prof.Function, fnID),
				}},
			}
			prof.Location = append(prof.Location, loc)

			prof.Sample = append(prof.Sample, &profile.Sample{
				Value:    []int64{int64(line.Count)},
				Location: []*profile.Location{loc},
				Label:    map[string][]string{"thread": {fmt.Sprintf("%d", thread.TID)}},
			})
		}
	}

	return prof.Write(w)
}

func findFunction(fns []*profile.Function, id uint64) *profile.Function {
	for _, f := range fns {
		if f.ID == id {
			return f
		}
	}
	return nil
}
