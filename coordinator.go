package relro

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type (
	// Coordinator governs the load of one library in one process: it decides whether the process
	// produces or consumes the shared RELRO, and when the shared mapping is swapped in.
	//
	// Use Steps:
	//
	//	1. [Coordinator.Initialize] to reserve the load address.
	//	2. [Coordinator.LoadLibrary] to load the library.
	//	3. [Coordinator.ExportRecord] on the producer, [Coordinator.AcceptRemote] on consumers.
	//
	// Every method is safe for concurrent use.
	Coordinator interface {
		Initialize(role Role, pref Preference, hint uintptr) //reserve the address range, once
		LoadLibrary(path string) error                       //load at the reserved address, retrying once without sharing
		ExportRecord() *LibraryRecord                        //the local record with a duplicated handle, nil unless produced
		AcceptRemote(rec *LibraryRecord)                     //adopt the first remote record, takes ownership of rec
		State() State                                        //current state
		LoadAddress() uintptr                                //reserved or loaded address, 0 when unknown
		Local() LibraryRecord                                //snapshot of the local record without its handle
		Close() error                                        //release the handles still held
	}
	strategy interface {
		loadLocked(path string, mode Mode) error
		remoteArrivedLocked()
	}
	// Option configures a Coordinator.
	Option func(*core)

	core struct {
		mu          sync.Mutex
		native      Native
		s           strategy
		state       State
		role        Role
		mode        Mode
		local       LibraryRecord
		remote      *LibraryRecord
		reservation *Reservation
		keep        bool
		size        uintptr
		timeout     time.Duration
		loading     bool
		failed      error //the fatal failure of the load, returned again by later loads
		consumed    bool //the remote record was tried, successfully or not
		replaced    bool //the shared RELRO is mapped
		log         logrus.FieldLogger
		metrics     *Metrics
		debug       bool
	}
)

// WithLogger sets the logger, the default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *core) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records telemetry into m.
func WithMetrics(m *Metrics) Option {
	return func(c *core) { c.metrics = m }
}

// WithReservationSize sets the number of bytes reserved before the library size is known.
func WithReservationSize(size uintptr) Option {
	return func(c *core) { c.size = size }
}

// WithWaitTimeout bounds the wait of a [Blocking] consumer. Zero waits forever.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *core) { c.timeout = d }
}

// WithDebug dumps records at debug level.
func WithDebug(debug bool) Option {
	return func(c *core) { c.debug = debug }
}

func (c *core) init(native Native, keep bool, s strategy, name string, opts []Option) {
	c.native = native
	c.keep = keep
	c.s = s
	c.size = DefaultReservationSize
	c.log = logrus.StandardLogger()
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", name)
}

func (c *core) Initialize(role Role, pref Preference, hint uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUninitialized {
		c.log.WithField("state", c.state).Debug("already initialized")
		return
	}
	c.initializeLocked(role, pref, hint)
}

func (c *core) initializeLocked(role Role, pref Preference, hint uintptr) {
	c.role = role
	c.reservation = NewReservation(c.native, c.size, c.keep).withLogger(c.log, c.metrics)
	reg, err := c.reservation.Reserve(pref, hint)
	if err != nil {
		c.log.WithError(err).Error("no load address reserved")
	}
	c.local.LoadAddress = reg.Start
	c.local.LoadSize = reg.Size
	c.state = StateInitialized
	c.log.WithFields(logrus.Fields{
		"role":       role,
		"preference": pref,
		"address":    reg.Start,
	}).Debug("initialized")
}

func (c *core) LoadLibrary(path string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateUninitialized:
		c.log.Warn("load before initialization, initializing as producer at a random address")
		c.initializeLocked(RoleProducer, PreferRandom, 0)
	case c.state.done():
		return errors.Wrap(ErrAlreadyLoaded, path)
	case c.loading:
		return errors.Wrapf(ErrAlreadyLoaded, "%s: load in progress", path)
	case c.failed != nil:
		return c.failed
	}
	if c.local.LoadAddress == 0 {
		return errors.Wrapf(ErrNoReservation, "load %s", path)
	}
	c.loading = true
	defer func() { c.loading = false }()
	c.local.Path = path
	mode := ModeProduce
	if c.role == RoleConsumer {
		mode = ModeConsume
	}
	if err = c.s.loadLocked(path, mode); err == nil || !errors.Is(err, ErrLoad) {
		return
	}
	c.log.WithError(err).Warn("load with shared relro failed, retrying without sharing")
	c.reservation.release()
	c.local.LoadAddress = 0
	c.local.LoadSize = 0
	if err = c.s.loadLocked(path, ModeNoSharing); err != nil {
		c.failed = errors.Wrapf(ErrLinkFailure, "%s: %v", path, err)
		return c.failed
	}
	return nil
}

// mapLocked loads the image at the local address and fills the local record.
func (c *core) mapLocked(path string, mode Mode) error {
	reg := c.local.Region()
	reserved := !reg.IsZero() && c.reservation != nil && c.reservation.Held()
	img, err := c.native.Load(path, reg, reserved)
	if err != nil {
		return errors.Wrapf(ErrLoad, "%s at %s: %v", path, reg, err)
	}
	if reserved {
		c.reservation.handoff()
	}
	c.local.setImage(img)
	c.mode = mode
	if c.debug {
		c.log.Debugf("loaded %s", spew.Sdump(c.local.Snapshot()))
	}
	return nil
}

// produceLocked shares the local RELRO. Failing to share never fails the load.
func (c *core) produceLocked() {
	c.state = StateDoneProduce
	relro := c.local.Relro()
	if relro.Size == 0 {
		c.log.WithField("path", c.local.Path).Warn("library has no relro to share")
		c.metrics.sharingStatus(StatusProduceFailed)
		return
	}
	h, err := c.native.CreateRelro(Image{Load: c.local.Region(), Relro: relro})
	if err != nil {
		c.log.WithError(errors.Wrap(ErrRelroProduce, err.Error())).Warn("relro is not shared")
		c.metrics.sharingStatus(StatusProduceFailed)
		return
	}
	c.local.RelroHandle = h
	if err = c.native.ReplaceRelro(relro, h); err != nil {
		c.log.WithError(err).Warn("producer keeps a private relro")
	}
	c.metrics.sharingStatus(StatusProduced)
}

// useRemoteLocked maps the remote RELRO over the local one, at most once.
func (c *core) useRemoteLocked() {
	if c.consumed || c.remote == nil {
		return
	}
	c.consumed = true
	r := c.remote
	defer func() { _ = r.Close() }()
	if err := c.checkRemoteLocked(r); err != nil {
		c.log.WithError(err).Warn("remote relro not used")
		c.metrics.sharingStatus(StatusConsumeFailed)
		return
	}
	if err := c.native.ReplaceRelro(c.local.Relro(), r.RelroHandle); err != nil {
		c.log.WithError(err).Warn("remote relro not used")
		if errors.Is(err, ErrNotIdentical) {
			c.metrics.sharingStatus(StatusNotIdentical)
		} else {
			c.metrics.sharingStatus(StatusConsumeFailed)
		}
		return
	}
	c.replaced = true
	c.metrics.sharingStatus(StatusShared)
	c.log.WithField("relro", c.local.Relro()).Debug("shared relro in use")
}

func (c *core) checkRemoteLocked(r *LibraryRecord) error {
	switch {
	case c.mode != ModeConsume:
		return errors.Wrapf(ErrRelroConsume, "library loaded in %s mode", c.mode)
	case !r.HasHandle():
		return errors.Wrap(ErrRelroConsume, "remote record has no handle")
	case r.Path != c.local.Path:
		return errors.Wrapf(ErrRelroConsume, "library mismatch: %s != %s", r.Path, c.local.Path)
	case r.LoadAddress != c.local.LoadAddress:
		return errors.Wrapf(ErrRelroConsume, "load address mismatch: %#x != %#x", r.LoadAddress, c.local.LoadAddress)
	case r.RelroSize == 0 || r.Relro() != c.local.Relro():
		return errors.Wrapf(ErrRelroConsume, "relro mismatch: %s != %s", r.Relro(), c.local.Relro())
	}
	return nil
}

func (c *core) ExportRecord() *LibraryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDoneProduce {
		return nil
	}
	r, err := c.local.Clone()
	if err != nil {
		c.log.WithError(err).Warn("exporting record without relro")
		s := c.local.Snapshot()
		return &s
	}
	return r
}

func (c *core) AcceptRemote(rec *LibraryRecord) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debug {
		c.log.Debugf("remote record %s", spew.Sdump(rec.Snapshot()))
	}
	if c.remote != nil {
		c.log.WithError(ErrProtocolViolation).WithField("record", rec.String()).Warn("second remote record ignored")
		c.metrics.sharingStatus(StatusRejectedRecord)
		_ = rec.Close()
		return
	}
	if c.state == StateDoneProduce || (c.state == StateInitialized && c.role == RoleProducer) {
		c.log.Debug("producer ignores remote record")
		_ = rec.Close()
		return
	}
	c.remote = rec
	c.s.remoteArrivedLocked()
}

func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) LoadAddress() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.LoadAddress
}

func (c *core) Local() LibraryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Snapshot()
}

// Replaced reports whether the shared RELRO of another process is mapped in.
func (c *core) Replaced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaced
}

func (c *core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.local.Close()
	if c.remote != nil {
		if e := c.remote.Close(); err == nil {
			err = e
		}
	}
	return err
}
