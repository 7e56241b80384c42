//go:build linux

package native

import (
	"testing"

	"github.com/ZenLiuCN/relro"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMappings(t *testing.T) {
	ms := toMappings([]*procfs.ProcMap{
		{StartAddr: 0x3000, EndAddr: 0x4000, Perms: &procfs.ProcMapPermissions{Read: true, Shared: true}, Pathname: "/dev/shm/x"},
		{StartAddr: 0x1000, EndAddr: 0x3000, Perms: &procfs.ProcMapPermissions{Read: true, Execute: true, Private: true}, Offset: 0x1000, Pathname: "/lib/libc.so"},
		{StartAddr: 0x5000, EndAddr: 0x6000},
	})
	require.Len(t, ms, 3)
	assert.Equal(t, relro.Region{Start: 0x1000, Size: 0x2000}, ms[0].Region)
	assert.Equal(t, "r-xp", ms[0].Perms)
	assert.EqualValues(t, 0x1000, ms[0].Offset)
	assert.Equal(t, "r--s", ms[1].Perms)
	assert.Equal(t, "----", ms[2].Perms)
}

func TestFindNamed(t *testing.T) {
	const name = "[anon:relro-reservation]"
	m := func(start, end uintptr, path string) Mapping {
		return Mapping{Region: relro.Region{Start: start, Size: end - start}, Path: path}
	}
	for n, c := range map[string]struct {
		maps []Mapping
		want relro.Region
		ok   bool
	}{
		"absent": {[]Mapping{m(0x1000, 0x2000, "[heap]")}, relro.Region{}, false},
		"single": {[]Mapping{m(0x1000, 0x2000, "[heap]"), m(0x4000, 0x8000, name)}, relro.Region{Start: 0x4000, Size: 0x4000}, true},
		"split": {
			[]Mapping{m(0x4000, 0x5000, name), m(0x5000, 0x8000, name), m(0x8000, 0x9000, "")},
			relro.Region{Start: 0x4000, Size: 0x4000}, true,
		},
		"gap": {
			[]Mapping{m(0x4000, 0x5000, name), m(0x6000, 0x8000, name)},
			relro.Region{Start: 0x4000, Size: 0x1000}, true,
		},
	} {
		t.Run(n, func(t *testing.T) {
			r, ok := findNamed(c.maps, name)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, r)
		})
	}
}

func TestMappingsSelf(t *testing.T) {
	ms, err := Mappings(0)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.LessOrEqual(t, ms[i-1].Start, ms[i].Start)
	}
}
