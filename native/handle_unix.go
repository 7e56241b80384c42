//go:build unix

package native

import (
	"sync"

	"github.com/ZenLiuCN/relro"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handle is a file descriptor owned by exactly one holder.
type Handle struct {
	mu sync.Mutex
	fd int
}

// NewHandle takes ownership of fd.
func NewHandle(fd int) *Handle {
	return &Handle{fd: fd}
}

func (h *Handle) Fd() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uintptr(h.fd)
}

func (h *Handle) Dup() (relro.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil, errors.New("handle is closed")
	}
	fd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "dup relro fd")
	}
	return NewHandle(fd), nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = -1
	return unix.Close(fd)
}
