//go:build linux

package native

import (
	"bytes"
	"debug/elf"
	"os"
	"strings"
	"unsafe"

	"github.com/ZenLiuCN/relro"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const reserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

// Linker maps shared objects segment by segment into reserved address space and shares
// their RELRO through sealed memfd objects. It does not process relocations: the image is
// laid out as the dynamic loader would before relocating it.
type Linker struct {
	page  uintptr
	named string
	log   logrus.FieldLogger
}

// New creates a Linker which looks up ancestor reservations by the memory map name named.
func New(named string, log logrus.FieldLogger) *Linker {
	if named == "" {
		named = relro.DefaultNamedRegion
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Linker{
		page:  uintptr(unix.Getpagesize()),
		named: named,
		log:   log.WithField("component", "native"),
	}
}

func (l *Linker) PageSize() uintptr { return l.page }

func (l *Linker) NamedRegion() (relro.Region, error) {
	maps, err := Mappings(0)
	if err != nil {
		return relro.Region{}, err
	}
	r, ok := findNamed(maps, l.named)
	if !ok {
		return relro.Region{}, errors.Errorf("no mapping named %s", l.named)
	}
	return r, nil
}

// ReserveNamed reserves size bytes at a random address and names the mapping so that
// forked children find it with NamedRegion. Naming needs Linux 5.17.
func (l *Linker) ReserveNamed(size uintptr) (relro.Region, error) {
	r, err := l.ReserveRandom(size)
	if err != nil {
		return r, err
	}
	name := strings.TrimSuffix(strings.TrimPrefix(l.named, "[anon:"), "]")
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		_ = l.Release(r)
		return relro.Region{}, errors.Wrap(err, "region name")
	}
	if err = unix.Prctl(unix.PR_SET_VMA, unix.PR_SET_VMA_ANON_NAME, r.Start, r.Size, uintptr(unsafe.Pointer(p))); err != nil {
		_ = l.Release(r)
		return relro.Region{}, errors.Wrap(err, "name reservation")
	}
	return r, nil
}

func (l *Linker) ReserveFixed(r relro.Region) error {
	p, err := unix.MmapPtr(-1, 0, ptr(r.Start), r.Size, unix.PROT_NONE, reserveFlags|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return errors.Wrapf(err, "reserve %s", r)
	}
	if uintptr(p) != r.Start {
		// kernels before 4.17 treat the flag as a hint
		_ = unix.MunmapPtr(p, r.Size)
		return errors.Wrapf(unix.EEXIST, "reserve %s", r)
	}
	return nil
}

func (l *Linker) ReserveRandom(size uintptr) (relro.Region, error) {
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE, reserveFlags)
	if err != nil {
		return relro.Region{}, errors.Wrapf(err, "reserve %s", units.BytesSize(float64(size)))
	}
	return relro.Region{Start: uintptr(p), Size: size}, nil
}

func (l *Linker) Release(r relro.Region) error {
	return errors.Wrapf(unix.MunmapPtr(ptr(r.Start), r.Size), "release %s", r)
}

func (l *Linker) Load(path string, r relro.Region, reserved bool) (img relro.Image, err error) {
	lay, err := Inspect(path, uint64(l.page))
	if err != nil {
		return
	}
	span := lay.Span()
	var base relro.Region
	switch {
	case r.Start == 0:
		if base, err = l.ReserveRandom(span); err != nil {
			return
		}
	case reserved:
		if span > r.Size {
			return img, errors.Errorf("%s needs %s, reservation has %s", path,
				units.BytesSize(float64(span)), units.BytesSize(float64(r.Size)))
		}
		base = relro.Region{Start: r.Start, Size: span}
	default:
		base = relro.Region{Start: r.Start, Size: span}
		if err = l.ReserveFixed(base); err != nil {
			return
		}
	}
	f, err := os.Open(path)
	if err != nil {
		l.undo(base, reserved)
		return img, errors.Wrap(err, "open library")
	}
	defer f.Close()
	for _, s := range lay.Segments {
		if err = l.mapSegment(f, base.Start-uintptr(lay.Min), s); err != nil {
			l.undo(base, reserved)
			return img, errors.Wrapf(err, "%s: map segment %#x", path, s.Vaddr)
		}
	}
	if reserved && r.Size > span {
		if e := unix.MunmapPtr(ptr(r.Start+span), r.Size-span); e != nil {
			l.log.WithError(e).Warn("trim reservation")
		}
	}
	img.Load = base
	if lay.HasRelro() {
		img.Relro = relro.Region{
			Start: base.Start + uintptr(lay.Relro[0]),
			Size:  uintptr(lay.Relro[1] - lay.Relro[0]),
		}
		if err = unix.Mprotect(bytesAt(img.Relro.Start, img.Relro.Size), unix.PROT_READ); err != nil {
			l.undo(base, reserved)
			return relro.Image{}, errors.Wrap(err, "protect relro")
		}
	}
	l.log.WithFields(logrus.Fields{
		"path":  path,
		"load":  img.Load,
		"relro": img.Relro,
		"size":  units.BytesSize(float64(span)),
	}).Debug("library mapped")
	return img, nil
}

// undo puts a PROT_NONE reservation back over base when the caller owned it, or unmaps it.
func (l *Linker) undo(base relro.Region, reserved bool) {
	if reserved {
		_, _ = unix.MmapPtr(-1, 0, ptr(base.Start), base.Size, unix.PROT_NONE, reserveFlags|unix.MAP_FIXED)
		return
	}
	_ = unix.MunmapPtr(ptr(base.Start), base.Size)
}

func (l *Linker) mapSegment(f *os.File, bias uintptr, s Segment) error {
	page := uint64(l.page)
	start := pageDown(s.Vaddr, page)
	fileEnd := s.Vaddr + s.Filesz
	memEnd := pageUp(s.Vaddr+s.Memsz, page)
	prot := protOf(s.Flags)
	if s.Filesz > 0 {
		// the tail of the last file page is zeroed below, it needs to be writable meanwhile
		mprot := prot
		if s.Memsz > s.Filesz {
			mprot |= unix.PROT_WRITE
		}
		length := uintptr(pageUp(fileEnd, page) - start)
		if _, err := unix.MmapPtr(int(f.Fd()), int64(pageDown(s.Off, page)), ptr(bias+uintptr(start)), length,
			mprot, unix.MAP_PRIVATE|unix.MAP_FIXED); err != nil {
			return err
		}
		if s.Memsz > s.Filesz {
			if tail := pageUp(fileEnd, page) - fileEnd; tail > 0 && fileEnd%page != 0 {
				clear(bytesAt(bias+uintptr(fileEnd), uintptr(tail)))
			}
			if mprot != prot {
				if err := unix.Mprotect(bytesAt(bias+uintptr(start), length), prot); err != nil {
					return err
				}
			}
		}
	}
	bss := pageUp(fileEnd, page)
	if s.Filesz == 0 {
		bss = start
	}
	if memEnd > bss {
		if _, err := unix.MmapPtr(-1, 0, ptr(bias+uintptr(bss)), uintptr(memEnd-bss), prot,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) CreateRelro(img relro.Image) (relro.Handle, error) {
	r := img.Relro
	if r.Size == 0 {
		return nil, errors.New("no relro")
	}
	fd, err := unix.MemfdCreate("relro", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	cleanup := func() { _ = unix.Close(fd) }
	if err = unix.Ftruncate(fd, int64(r.Size)); err != nil {
		cleanup()
		return nil, errors.Wrap(err, "size relro")
	}
	data := bytesAt(r.Start, r.Size)
	for off := 0; off < len(data); {
		n, err := unix.Pwrite(fd, data[off:], int64(off))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			cleanup()
			return nil, errors.Wrap(err, "copy relro")
		}
		off += n
	}
	// read-only before the descriptor ever leaves this process
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL); err != nil {
		cleanup()
		return nil, errors.Wrap(err, "seal relro")
	}
	return NewHandle(fd), nil
}

func (l *Linker) ReplaceRelro(r relro.Region, h relro.Handle) error {
	if r.Size == 0 || h == nil {
		return errors.Wrap(relro.ErrRelroConsume, "nothing to replace")
	}
	fd := int(h.Fd())
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return errors.Wrap(err, "stat relro")
	}
	if uintptr(st.Size) != r.Size {
		return errors.Wrapf(relro.ErrRelroConsume, "relro object has %d bytes, want %d", st.Size, r.Size)
	}
	shared, err := unix.Mmap(fd, 0, int(r.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "map relro")
	}
	identical := bytes.Equal(shared, bytesAt(r.Start, r.Size))
	_ = unix.Munmap(shared)
	if !identical {
		return relro.ErrNotIdentical
	}
	// a single MAP_FIXED mmap swaps the pages without leaving the range unmapped
	if _, err = unix.MmapPtr(fd, 0, ptr(r.Start), r.Size, unix.PROT_READ, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
		return errors.Wrap(err, "replace relro")
	}
	return nil
}

func protOf(f elf.ProgFlag) (p int) {
	if f&elf.PF_R != 0 {
		p |= unix.PROT_READ
	}
	if f&elf.PF_W != 0 {
		p |= unix.PROT_WRITE
	}
	if f&elf.PF_X != 0 {
		p |= unix.PROT_EXEC
	}
	return
}

//go:nocheckptr
func ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func bytesAt(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(ptr(addr)), n)
}
