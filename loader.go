package relro

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// claimed holds the single Loader slot of the process.
var claimed atomic.Bool

type (
	/*Loader is the entry point the process bootstrap uses once per process.

	Use Steps:

	1. [NewLoader] then [Loader.Configure] early in the life of the process.
	2. Pick the process role through [Loader.Mediator].
	3. [Loader.EnsureLoaded] and [Loader.EnsureInitialized].

	Note:

	1. Only one Loader may exist in a process at a time, [Loader.Close] gives the slot back.
	2. The configuration is frozen by the first use of the mediator or the first load.
	*/
	Loader struct {
		native   Native
		fallback Fallback
		log      logrus.FieldLogger
		metrics  *Metrics

		cfgMu    sync.Mutex
		cfg      Config
		frozen   bool
		mediator *Mediator

		loadMu sync.Mutex
		loaded atomic.Bool
		failed error
		owner  atomic.Bool

		initOnce    sync.Once
		initErr     error
		initialized atomic.Bool
		hooksMu     sync.Mutex
		hooks       []func() error
		sealed      bool
	}
	// LoaderOption configures a Loader.
	LoaderOption func(*Loader)
	// nativeFallback loads through the native primitive at an address of the OS choice.
	nativeFallback struct {
		native Native
	}
)

// LoaderLogger sets the logger of the loader and of the components it creates.
func LoaderLogger(l logrus.FieldLogger) LoaderOption {
	return func(x *Loader) {
		if l != nil {
			x.log = l
		}
	}
}

// LoaderMetrics records telemetry into m.
func LoaderMetrics(m *Metrics) LoaderOption {
	return func(x *Loader) { x.metrics = m }
}

// LoaderFallback sets the plain loader used when sharing is disabled or impossible.
// The default loads through the native primitive without address control.
func LoaderFallback(f Fallback) LoaderOption {
	return func(x *Loader) { x.fallback = f }
}

// NewLoader creates the Loader of this process on native.
func NewLoader(native Native, opts ...LoaderOption) (*Loader, error) {
	if !claimed.CompareAndSwap(false, true) {
		return nil, ErrLoaderExists
	}
	l := &Loader{
		native: native,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback == nil && native != nil {
		l.fallback = nativeFallback{native: native}
	}
	l.log = l.log.WithField("component", "loader")
	l.owner.Store(true)
	return l, nil
}

// Configure replaces the configuration, only before it is frozen.
func (l *Loader) Configure(cfg Config) error {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	if l.frozen {
		return ErrConfigFrozen
	}
	l.cfg = cfg
	if cfg.Debug {
		if lg, ok := l.log.(*logrus.Entry); ok {
			lg.Logger.SetLevel(logrus.DebugLevel)
		}
	}
	return nil
}

// Config returns the configuration and freezes it.
func (l *Loader) Config() Config {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.frozen = true
	return l.cfg
}

// Mediator of this process, created from the configuration on first use.
func (l *Loader) Mediator() (*Mediator, error) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.frozen = true
	if l.mediator != nil {
		return l.mediator, nil
	}
	if l.native == nil {
		return nil, errors.Wrap(ErrUnsupported, "no native primitive")
	}
	c, err := l.cfg.NewCoordinator(l.native, WithLogger(l.log), WithMetrics(l.metrics))
	if err != nil {
		return nil, err
	}
	l.mediator = NewMediator(c, l.log, l.metrics)
	return l.mediator, nil
}

// Loaded reports whether the library is loaded.
func (l *Loader) Loaded() bool { return l.loaded.Load() }

// EnsureLoaded loads the configured library once. Later calls return immediately.
// The only error is the fatal ErrLinkFailure: failures to share are absorbed.
// A link failure is final, later calls return it without loading again.
func (l *Loader) EnsureLoaded() (err error) {
	if l.loaded.Load() {
		return nil
	}
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	if l.loaded.Load() {
		return nil
	}
	if l.failed != nil {
		return l.failed
	}
	cfg := l.Config()
	if cfg.Library == "" {
		return errors.Wrap(ErrLinkFailure, "no library configured")
	}
	if cfg.NoSharing || l.native == nil {
		l.metrics.sharingStatus(StatusNoSharing)
		err = l.loadFallback(cfg.Library)
	} else {
		err = l.loadShared(cfg.Library)
	}
	if err != nil {
		if !errors.Is(err, ErrLinkFailure) {
			err = errors.Wrapf(ErrLinkFailure, "%s: %v", cfg.Library, err)
		}
		l.log.WithError(err).Error("library not loaded")
		l.failed = err
		return
	}
	l.loaded.Store(true)
	return nil
}

func (l *Loader) loadShared(path string) error {
	m, err := l.Mediator()
	if err != nil {
		return err
	}
	err = m.LoadLibrary(path)
	if errors.Is(err, ErrNoReservation) {
		l.log.WithError(err).Warn("no address reserved, loading without sharing")
		l.metrics.sharingStatus(StatusNoSharing)
		return l.loadFallback(path)
	}
	return err
}

func (l *Loader) loadFallback(path string) error {
	if l.fallback == nil {
		return errors.Wrap(ErrUnsupported, "no fallback loader")
	}
	return l.fallback.LoadLibrary(path)
}

// OnInitialize registers a hook run once by EnsureInitialized, after the load.
func (l *Loader) OnInitialize(hook func() error) error {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	if l.sealed {
		return errors.New("loader already initializing")
	}
	l.hooks = append(l.hooks, hook)
	return nil
}

// EnsureInitialized loads the library and runs the initialization hooks exactly once.
// Concurrent callers block until the first one completed and all observe its result.
func (l *Loader) EnsureInitialized() error {
	l.initOnce.Do(func() {
		if l.initErr = l.EnsureLoaded(); l.initErr != nil {
			return
		}
		l.hooksMu.Lock()
		hooks := l.hooks
		l.hooks, l.sealed = nil, true
		l.hooksMu.Unlock()
		for _, h := range hooks {
			if err := h(); err != nil {
				l.initErr = errors.Wrap(err, "initialize library")
				return
			}
		}
		l.initialized.Store(true)
		l.log.Debug("library initialized")
	})
	return l.initErr
}

// Initialized reports whether EnsureInitialized completed successfully.
func (l *Loader) Initialized() bool { return l.initialized.Load() }

// Close releases the handles held by the coordinator and frees the process slot.
// Only the first Close of a Loader frees the slot.
func (l *Loader) Close() (err error) {
	if !l.owner.CompareAndSwap(true, false) {
		return nil
	}
	l.cfgMu.Lock()
	m := l.mediator
	l.cfgMu.Unlock()
	if m != nil {
		err = m.Coordinator().Close()
	}
	claimed.Store(false)
	return
}

func (f nativeFallback) LoadLibrary(path string) error {
	_, err := f.native.Load(path, Region{}, false)
	return errors.Wrapf(err, "load %s", path)
}
