package native

import (
	"debug/elf"
	"runtime"

	"github.com/pkg/errors"
)

type (
	// Segment is one PT_LOAD program header.
	Segment struct {
		Vaddr  uint64
		Memsz  uint64
		Off    uint64
		Filesz uint64
		Flags  elf.ProgFlag
	}
	// Layout of a shared object as it is mapped, offsets are relative to the load base.
	Layout struct {
		Path     string
		Machine  elf.Machine
		Min      uint64 //page aligned lowest vaddr
		Max      uint64 //page aligned end of the highest segment
		Segments []Segment
		Relro    [2]uint64 //page aligned PT_GNU_RELRO [start,end) relative to Min, zero when absent
	}
)

// Span of address space the image needs.
func (l *Layout) Span() uintptr {
	return uintptr(l.Max - l.Min)
}

// HasRelro reports whether the library has a PT_GNU_RELRO segment.
func (l *Layout) HasRelro() bool {
	return l.Relro[1] > l.Relro[0]
}

// Inspect reads the program headers of the shared object at path.
func Inspect(path string, pageSize uint64) (l *Layout, err error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open elf %s", path)
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return nil, errors.Errorf("%s: unsupported ELF file type %s", path, f.Type)
	}
	if m, ok := machines[runtime.GOARCH]; ok && f.Machine != m {
		return nil, errors.Errorf("%s: foreign platform %s, expected %s", path, f.Machine, m)
	}
	l = &Layout{Path: path, Machine: f.Machine}
	first := true
	var relro *elf.Prog
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Memsz == 0 {
				continue
			}
			if p.Align > pageSize && p.Vaddr%pageSize != p.Off%pageSize {
				return nil, errors.Errorf("%s: segment at %#x is not page congruent", path, p.Vaddr)
			}
			lo, hi := pageDown(p.Vaddr, pageSize), pageUp(p.Vaddr+p.Memsz, pageSize)
			if first || lo < l.Min {
				l.Min = lo
			}
			if first || hi > l.Max {
				l.Max = hi
			}
			first = false
			l.Segments = append(l.Segments, Segment{
				Vaddr:  p.Vaddr,
				Memsz:  p.Memsz,
				Off:    p.Off,
				Filesz: p.Filesz,
				Flags:  p.Flags,
			})
		case elf.PT_GNU_RELRO:
			relro = p
		}
	}
	if first {
		return nil, errors.Errorf("%s: no loadable segment", path)
	}
	if relro != nil && relro.Memsz > 0 {
		l.Relro[0] = pageDown(relro.Vaddr, pageSize) - l.Min
		l.Relro[1] = pageUp(relro.Vaddr+relro.Memsz, pageSize) - l.Min
	}
	return l, nil
}

var machines = map[string]elf.Machine{
	"386":     elf.EM_386,
	"amd64":   elf.EM_X86_64,
	"arm":     elf.EM_ARM,
	"arm64":   elf.EM_AARCH64,
	"riscv64": elf.EM_RISCV,
}

func pageDown(v, page uint64) uint64 {
	return v &^ (page - 1)
}

func pageUp(v, page uint64) uint64 {
	return (v + page - 1) &^ (page - 1)
}
