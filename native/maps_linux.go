//go:build linux

package native

import (
	"sort"

	"github.com/ZenLiuCN/relro"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Mapping is one line of a process memory map.
type Mapping struct {
	relro.Region
	Perms  string
	Offset int64
	Path   string
}

func toMappings(maps []*procfs.ProcMap) []Mapping {
	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		out = append(out, Mapping{
			Region: relro.Region{Start: m.StartAddr, Size: m.EndAddr - m.StartAddr},
			Perms:  perms(m.Perms),
			Offset: m.Offset,
			Path:   m.Pathname,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func perms(p *procfs.ProcMapPermissions) string {
	if p == nil {
		return "----"
	}
	b := []byte("----")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	switch {
	case p.Shared:
		b[3] = 's'
	case p.Private:
		b[3] = 'p'
	}
	return string(b)
}

// findNamed coalesces the contiguous mappings named name. Adjacent entries appear when
// parts of the region changed protection. It reports false when the name is absent.
func findNamed(maps []Mapping, name string) (r relro.Region, ok bool) {
	for _, m := range maps {
		if m.Path != name {
			if ok {
				break
			}
			continue
		}
		switch {
		case !ok:
			r, ok = m.Region, true
		case m.Start == r.End():
			r.Size += m.Size
		default:
			return
		}
	}
	return
}

// Mappings of process pid, 0 for this process.
func Mappings(pid int) ([]Mapping, error) {
	var (
		p   procfs.Proc
		err error
	)
	if pid == 0 {
		p, err = procfs.Self()
	} else {
		p, err = procfs.NewProc(pid)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open proc")
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrap(err, "read memory map")
	}
	return toMappings(maps), nil
}
