package relro

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

type (
	// Handle is an OS shared memory descriptor. Every Handle must be closed exactly once.
	Handle interface {
		Fd() uintptr
		Dup() (Handle, error) // a new descriptor of the same kernel object, closed independently
		Close() error
	}
	// Region is a page aligned virtual address range.
	Region struct {
		Start uintptr
		Size  uintptr
	}
	// Image is the placement of a loaded library.
	Image struct {
		Load  Region // whole span of the mapped image
		Relro Region // read-only-after-relocation sub range, zero when the library has none
	}
	// LibraryRecord describes one load of a library, and is the unit exchanged between processes.
	//
	// The record exclusively owns RelroHandle. [LibraryRecord.Close] releases it.
	LibraryRecord struct {
		Path        string
		LoadAddress uintptr
		LoadSize    uintptr
		RelroStart  uintptr
		RelroSize   uintptr
		RelroHandle Handle
	}
)

func (r Region) End() uintptr   { return r.Start + r.Size }
func (r Region) IsZero() bool   { return r.Start == 0 && r.Size == 0 }
func (r Region) String() string { return fmt.Sprintf("[%#x-%#x)", r.Start, r.End()) }

// Contains reports whether o lies completely inside r.
func (r Region) Contains(o Region) bool {
	return o.Start >= r.Start && o.End() <= r.End()
}

// Region of the whole load.
func (l *LibraryRecord) Region() Region {
	return Region{Start: l.LoadAddress, Size: l.LoadSize}
}

// Relro region of the record.
func (l *LibraryRecord) Relro() Region {
	return Region{Start: l.RelroStart, Size: l.RelroSize}
}

// HasHandle reports whether the record carries a usable RELRO descriptor.
func (l *LibraryRecord) HasHandle() bool {
	return l != nil && l.RelroHandle != nil
}

func (l *LibraryRecord) setImage(img Image) {
	l.LoadAddress = img.Load.Start
	l.LoadSize = img.Load.Size
	l.RelroStart = img.Relro.Start
	l.RelroSize = img.Relro.Size
}

// Close releases the RELRO descriptor. It is safe to call more than once.
func (l *LibraryRecord) Close() (err error) {
	if l == nil || l.RelroHandle == nil {
		return
	}
	h := l.RelroHandle
	l.RelroHandle = nil
	return h.Close()
}

// Clone returns a copy of the record with a duplicated descriptor.
func (l *LibraryRecord) Clone() (c *LibraryRecord, err error) {
	c = new(LibraryRecord)
	*c = *l
	c.RelroHandle = nil
	if l.RelroHandle != nil {
		if c.RelroHandle, err = l.RelroHandle.Dup(); err != nil {
			return nil, errors.Wrap(err, "duplicate relro handle")
		}
	}
	return
}

// Snapshot returns a copy without the descriptor.
func (l *LibraryRecord) Snapshot() (c LibraryRecord) {
	c = *l
	c.RelroHandle = nil
	return
}

func (l *LibraryRecord) String() string {
	return fmt.Sprintf("%s load=%#x+%#x relro=%#x+%#x handle=%t",
		l.Path, l.LoadAddress, l.LoadSize, l.RelroStart, l.RelroSize, l.RelroHandle != nil)
}

const (
	fieldPath protowire.Number = iota + 1
	fieldLoadAddress
	fieldLoadSize
	fieldRelroStart
	fieldRelroSize
	fieldHandlePresent
)

// MarshalBinary encodes the record fields. The descriptor itself travels out of band.
func (l *LibraryRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 48+len(l.Path))
	b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
	b = protowire.AppendString(b, l.Path)
	for _, f := range []struct {
		n protowire.Number
		v uintptr
	}{
		{fieldLoadAddress, l.LoadAddress},
		{fieldLoadSize, l.LoadSize},
		{fieldRelroStart, l.RelroStart},
		{fieldRelroSize, l.RelroSize},
	} {
		b = protowire.AppendTag(b, f.n, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.v))
	}
	b = protowire.AppendTag(b, fieldHandlePresent, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(l.RelroHandle != nil))
	return b, nil
}

// UnmarshalRecord decodes a record and attaches h as its descriptor.
//
// Ownership of h moves to the call: it is closed when decoding fails
// or when the encoded record did not announce a descriptor.
func UnmarshalRecord(b []byte, h Handle) (l *LibraryRecord, err error) {
	l = new(LibraryRecord)
	present := false
	defer func() {
		if err != nil && h != nil {
			_ = h.Close()
			l = nil
		}
	}()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decode record tag")
		}
		b = b[n:]
		switch {
		case num == fieldPath && typ == protowire.BytesType:
			var s string
			if s, n = protowire.ConsumeString(b); n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "decode record path")
			}
			l.Path = s
		case num >= fieldLoadAddress && num <= fieldHandlePresent && typ == protowire.VarintType:
			var v uint64
			if v, n = protowire.ConsumeVarint(b); n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "decode record field %d", num)
			}
			switch num {
			case fieldLoadAddress:
				l.LoadAddress = uintptr(v)
			case fieldLoadSize:
				l.LoadSize = uintptr(v)
			case fieldRelroStart:
				l.RelroStart = uintptr(v)
			case fieldRelroSize:
				l.RelroSize = uintptr(v)
			case fieldHandlePresent:
				present = protowire.DecodeBool(v)
			}
		default:
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "skip record field %d", num)
			}
		}
		b = b[n:]
	}
	switch {
	case present && h == nil:
		return nil, errors.New("record announces a relro handle but none was received")
	case !present && h != nil:
		_ = h.Close()
	case present:
		l.RelroHandle = h
	}
	return
}
