//go:build linux

// Package ipc carries load addresses and RELRO records between a producer and its children
// over a SOCK_SEQPACKET socket, with RELRO descriptors passed as SCM_RIGHTS.
package ipc

import (
	"os"
	"sync"

	"github.com/ZenLiuCN/relro"
	"github.com/ZenLiuCN/relro/native"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"golang.org/x/sys/unix"
)

// message kinds
const (
	kindAddress uint64 = iota + 1
	kindRecord
)

const (
	fieldKind protowire.Number = iota + 1
	fieldAddress
	fieldRecord
)

const maxMessage = 64 << 10

// ErrClosed is returned by receives once the peer closed its end.
var ErrClosed = errors.New("channel closed")

// Channel is one end of a message socket. Sends and receives are each serialized.
type Channel struct {
	sendMu sync.Mutex
	recvMu sync.Mutex
	f      *os.File
}

var (
	_ relro.Sender   = (*Channel)(nil)
	_ relro.Receiver = (*Channel)(nil)
)

// Pair creates two connected channels, the usual way for a parent to prepare a child.
func Pair() (parent, child *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "socketpair")
	}
	return &Channel{f: os.NewFile(uintptr(fds[0]), "relro-parent")},
		&Channel{f: os.NewFile(uintptr(fds[1]), "relro-child")}, nil
}

// FromFile wraps an inherited socket, for instance one of exec.Cmd ExtraFiles.
func FromFile(f *os.File) *Channel {
	return &Channel{f: f}
}

// File backing the channel, to hand to a child process.
func (c *Channel) File() *os.File { return c.f }

func (c *Channel) Close() error {
	return c.f.Close()
}

func (c *Channel) SendLoadAddress(addr uintptr) error {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, kindAddress)
	b = protowire.AppendTag(b, fieldAddress, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(addr))
	return c.send(b, -1)
}

// SendRecord sends rec and a duplicate of its descriptor. rec stays owned by the caller.
func (c *Channel) SendRecord(rec *relro.LibraryRecord) error {
	if rec == nil {
		return errors.New("nil record")
	}
	body, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, kindRecord)
	b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	fd := -1
	if rec.RelroHandle != nil {
		fd = int(rec.RelroHandle.Fd())
	}
	return c.send(b, fd)
}

func (c *Channel) send(b []byte, fd int) error {
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	raw, err := c.f.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "raw socket")
	}
	var serr error
	if err = raw.Write(func(s uintptr) bool {
		serr = unix.Sendmsg(int(s), b, oob, nil, 0)
		return serr != unix.EAGAIN
	}); err != nil {
		return errors.Wrap(err, "send")
	}
	return errors.Wrap(serr, "send")
}

func (c *Channel) ReceiveLoadAddress() (uintptr, error) {
	m, err := c.receive()
	if err != nil {
		return 0, err
	}
	if m.handle != nil {
		_ = m.handle.Close()
	}
	if m.kind != kindAddress {
		return 0, errors.Wrapf(relro.ErrProtocolViolation, "expected load address, got message kind %d", m.kind)
	}
	return m.address, nil
}

// ReceiveRecord returns the next record, owning the received descriptor.
func (c *Channel) ReceiveRecord() (*relro.LibraryRecord, error) {
	m, err := c.receive()
	if err != nil {
		return nil, err
	}
	if m.kind != kindRecord {
		if m.handle != nil {
			_ = m.handle.Close()
		}
		return nil, errors.Wrapf(relro.ErrProtocolViolation, "expected relro record, got message kind %d", m.kind)
	}
	return relro.UnmarshalRecord(m.record, m.handle)
}

type message struct {
	kind    uint64
	address uintptr
	record  []byte
	handle  relro.Handle
}

func (c *Channel) receive() (m message, err error) {
	buf := make([]byte, maxMessage)
	oob := make([]byte, unix.CmsgSpace(4))
	c.recvMu.Lock()
	raw, err := c.f.SyscallConn()
	if err != nil {
		c.recvMu.Unlock()
		return m, errors.Wrap(err, "raw socket")
	}
	var n, oobn, flags int
	var rerr error
	err = raw.Read(func(s uintptr) bool {
		n, oobn, flags, _, rerr = unix.Recvmsg(int(s), buf, oob, unix.MSG_CMSG_CLOEXEC)
		return rerr != unix.EAGAIN
	})
	c.recvMu.Unlock()
	if err == nil {
		err = rerr
	}
	if err != nil {
		return m, errors.Wrap(err, "receive")
	}
	if m.handle, err = rights(oob[:oobn]); err != nil {
		return m, err
	}
	defer func() {
		if err != nil && m.handle != nil {
			_ = m.handle.Close()
			m.handle = nil
		}
	}()
	switch {
	case n == 0 && oobn == 0:
		return m, ErrClosed
	case flags&unix.MSG_TRUNC != 0:
		return m, errors.Wrap(relro.ErrProtocolViolation, "message truncated")
	case flags&unix.MSG_CTRUNC != 0:
		return m, errors.Wrap(relro.ErrProtocolViolation, "control message truncated")
	}
	err = decode(buf[:n], &m)
	return
}

func rights(oob []byte) (relro.Handle, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}
	var h relro.Handle
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if h == nil {
				h = native.NewHandle(fd)
			} else {
				_ = unix.Close(fd)
			}
		}
	}
	return h, nil
}

func decode(b []byte, m *message) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "decode message")
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			m.kind, n = protowire.ConsumeVarint(b)
		case num == fieldAddress && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.address = uintptr(v)
		case num == fieldRecord && typ == protowire.BytesType:
			m.record, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "decode message field %d", num)
		}
		b = b[n:]
	}
	if m.kind != kindAddress && m.kind != kindRecord {
		return errors.Wrapf(relro.ErrProtocolViolation, "unknown message kind %d", m.kind)
	}
	return nil
}
