package relro

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// handles counts the open descriptors of fakeHandle.
type handles struct {
	open   atomic.Int64
	closes atomic.Int64
}

type fakeHandle struct {
	c      *handles
	fd     uintptr
	closed atomic.Bool
}

func (c *handles) newHandle(fd uintptr) *fakeHandle {
	c.open.Add(1)
	return &fakeHandle{c: c, fd: fd}
}

func (h *fakeHandle) Fd() uintptr { return h.fd }

func (h *fakeHandle) Dup() (Handle, error) {
	if h.closed.Load() {
		return nil, errors.New("closed")
	}
	return h.c.newHandle(h.fd + 100), nil
}

func (h *fakeHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return errors.New("closed twice")
	}
	h.c.open.Add(-1)
	h.c.closes.Add(1)
	return nil
}

type loadCall struct {
	path     string
	region   Region
	reserved bool
}

const (
	fakePage      = 0x1000
	fakeSpan      = 0x10000
	fakeRelroOff  = 0x4000
	fakeRelroSize = 0x2000
	fakeRandom    = 0x7f0000000000
)

// fakeNative records calls, the zero value is a working primitive.
type fakeNative struct {
	mu sync.Mutex
	handles

	named      Region
	namedErr   error
	namedCalls int
	fixedErr   error
	fixed      []Region
	random     uintptr
	randomErr  error
	released   []Region
	loadErrs   []error //consumed one per load
	loads      []loadCall
	createErr  error
	replaceErr error
	replaced   []Handle
}

func (f *fakeNative) PageSize() uintptr { return fakePage }

func (f *fakeNative) NamedRegion() (Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namedCalls++
	if f.namedErr != nil {
		return Region{}, f.namedErr
	}
	if f.named.IsZero() {
		return Region{}, errors.New("no named region")
	}
	return f.named, nil
}

func (f *fakeNative) ReserveFixed(r Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fixedErr != nil {
		return f.fixedErr
	}
	f.fixed = append(f.fixed, r)
	return nil
}

func (f *fakeNative) ReserveRandom(size uintptr) (Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.randomErr != nil {
		return Region{}, f.randomErr
	}
	addr := f.random
	if addr == 0 {
		addr = fakeRandom
	}
	return Region{Start: addr, Size: size}, nil
}

func (f *fakeNative) Release(r Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, r)
	return nil
}

func (f *fakeNative) Load(path string, r Region, reserved bool) (Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, loadCall{path: path, region: r, reserved: reserved})
	if len(f.loadErrs) > 0 {
		err := f.loadErrs[0]
		f.loadErrs = f.loadErrs[1:]
		if err != nil {
			return Image{}, err
		}
	}
	start := r.Start
	if start == 0 {
		start = fakeRandom + 0x100000000
	}
	return Image{
		Load:  Region{Start: start, Size: fakeSpan},
		Relro: Region{Start: start + fakeRelroOff, Size: fakeRelroSize},
	}, nil
}

func (f *fakeNative) CreateRelro(img Image) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.newHandle(3), nil
}

func (f *fakeNative) ReplaceRelro(_ Region, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = append(f.replaced, h)
	return nil
}

func (f *fakeNative) replaceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replaced)
}

func (f *fakeNative) loadCalls() []loadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loadCall(nil), f.loads...)
}

// record as a producer at addr would export it, with a handle counted by c.
func record(c *handles, path string, addr uintptr) *LibraryRecord {
	return &LibraryRecord{
		Path:        path,
		LoadAddress: addr,
		LoadSize:    fakeSpan,
		RelroStart:  addr + fakeRelroOff,
		RelroSize:   fakeRelroSize,
		RelroHandle: c.newHandle(7),
	}
}
