package symbol

import (
	"os"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingForAddr(t *testing.T) {
	mappings := []*profile.Mapping{
		{Start: 0x1000, Limit: 0x2000, File: "/bin/a"},
		{Start: 0x5000, Limit: 0x6000, File: "/bin/b"},
	}

	m := mappingForAddr(mappings, 0x1500)
	require.NotNil(t, m)
	assert.Equal(t, "/bin/a", m.File)

	assert.Nil(t, mappingForAddr(mappings, 0x2000))
	assert.Nil(t, mappingForAddr(mappings, 0x500))
}

func TestFuncTableLookup(t *testing.T) {
	ft := &funcTable{
		funcs: []funcRange{
			{name: "frame_dummy", lowpc: 0x1120, highpc: 0x1126},
			{name: "fib", lowpc: 0x1126, highpc: 0x112c},
			{name: "main", lowpc: 0x115a, highpc: 0x1200},
		},
	}

	name, ok := ft.lookup(0x1128)
	require.True(t, ok)
	assert.Equal(t, "fib", name)

	_, ok = ft.lookup(0x1130)
	assert.False(t, ok, "gap between functions should not resolve")

	name, ok = ft.lookup(0x115a)
	require.True(t, ok)
	assert.Equal(t, "main", name)
}

func TestResolveOfNullAddrIsUnresolved(t *testing.T) {
	s := New()
	got := s.Resolve(os.Getpid(), 0)
	assert.Equal(t, Unresolved, got)
}
