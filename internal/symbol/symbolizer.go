// Package symbol resolves sampled instruction pointers to function names.
package symbol

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/pprof/profile"
)

// Unresolved is returned in place of a function name when no mapping or
// DWARF subprogram covers a sampled address. ELF symbol tables are not
// consulted.
const Unresolved = "somewhere"

// Symbolizer turns (pid, address) pairs into function names. A single
// Symbolizer is shared by every thread's samples; its DWARF cache is keyed
// by the backing file's path rather than by pid, since most mapped files
// (the executable, libc, ...) are shared across threads of the same
// process and commonly across processes too.
type Symbolizer struct {
	mu           sync.Mutex
	cache        map[string]*funcTable
	lastMappings map[int][]*profile.Mapping
}

// New creates a Symbolizer with an empty DWARF cache.
func New() *Symbolizer {
	return &Symbolizer{
		cache:        make(map[string]*funcTable),
		lastMappings: make(map[int][]*profile.Mapping),
	}
}

// Resolve returns the name of the function containing addr in the address
// space of pid, or Unresolved if no mapping, or no DWARF subprogram within
// a mapping, covers it.
func (s *Symbolizer) Resolve(pid int, addr uint64) string {
	mappings, err := readProcMaps(pid)
	if err != nil {
		return Unresolved
	}
	s.mu.Lock()
	s.lastMappings[pid] = mappings
	s.mu.Unlock()

	m := mappingForAddr(mappings, addr)
	if m == nil || m.File == "" {
		return Unresolved
	}

	ft := s.funcTableFor(m.File)
	if ft == nil {
		return Unresolved
	}

	searchAddr := addr
	if ft.isPIE {
		if addr < m.Start {
			return Unresolved
		}
		searchAddr = addr - m.Start
	}

	if name, ok := ft.lookup(searchAddr); ok {
		return name
	}
	return Unresolved
}

// Mappings returns the most recently observed /proc/<pid>/maps rows for
// every pid this Symbolizer has resolved an address for. It is meant for
// a pprof writer built after profiling ends, once the target's own
// /proc/<pid>/maps is no longer readable.
func (s *Symbolizer) Mappings() []*profile.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*profile.Mapping
	for _, mappings := range s.lastMappings {
		out = append(out, mappings...)
	}
	return out
}

// funcTableFor returns the cached funcTable for path, parsing and caching
// it on first use. A failed parse is cached too (as a nil table) so a
// repeatedly-sampled unsymbolizable mapping (a VDSO, a stripped library)
// isn't reparsed on every sample.
func (s *Symbolizer) funcTableFor(path string) *funcTable {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft, ok := s.cache[path]
	if ok {
		return ft
	}

	ft, _ = newFuncTable(path)
	s.cache[path] = ft
	return ft
}

func readProcMaps(pid int) ([]*profile.Mapping, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.ParseProcMaps(f)
}

func mappingForAddr(mappings []*profile.Mapping, addr uint64) *profile.Mapping {
	for _, m := range mappings {
		if m.Start <= addr && addr < m.Limit {
			return m
		}
	}
	return nil
}

// funcTable is a sorted, non-overlapping set of DWARF subprogram ranges
// for one ELF file, plus whether that file is position-independent.
type funcTable struct {
	isPIE bool
	funcs []funcRange
}

type funcRange struct {
	name          string
	lowpc, highpc uint64
}

func newFuncTable(path string) (*funcTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbol: opening %s: %w", path, err)
	}
	defer f.Close()

	if f.Section(".debug_info") == nil {
		return nil, fmt.Errorf("symbol: %s has no DWARF debug info", path)
	}
	dwarfData, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("symbol: loading DWARF from %s: %w", path, err)
	}

	return &funcTable{
		isPIE: f.Type == elf.ET_DYN,
		funcs: dwarfFuncTable(dwarfData),
	}, nil
}

// lookup binary-searches for the subprogram whose [lowpc, highpc) range
// contains addr.
func (ft *funcTable) lookup(addr uint64) (string, bool) {
	i := sort.Search(len(ft.funcs), func(i int) bool {
		return addr < ft.funcs[i].highpc
	})
	if i < len(ft.funcs) && ft.funcs[i].lowpc <= addr && addr < ft.funcs[i].highpc {
		return ft.funcs[i].name, true
	}
	return "", false
}

// dwarfFuncTable walks every compilation unit's DIE tree looking for
// subprogram entries with a name and a low/high PC pair. DW_AT_high_pc is
// encoded either as an absolute address or, more commonly, as a size
// offset from low_pc; both forms appear across the toolchains the
// examples were built with, so both are handled.
func dwarfFuncTable(d *dwarf.Data) []funcRange {
	var out []funcRange

	r := d.Reader()
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}

		switch ent.Tag {
		case dwarf.TagSubprogram:
			r.SkipChildren()

			name, ok := ent.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
			if !ok {
				continue
			}

			var highpc uint64
			switch v := ent.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				highpc = v
			case int64:
				highpc = lowpc + uint64(v)
			default:
				continue
			}

			out = append(out, funcRange{name: name, lowpc: lowpc, highpc: highpc})

		case dwarf.TagCompileUnit, dwarf.TagModule, dwarf.TagNamespace:
			// descend

		default:
			r.SkipChildren()
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].lowpc < out[j].lowpc })
	return out
}
