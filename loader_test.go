package relro

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fallback struct {
	calls atomic.Int32
	err   error
}

func (f *fallback) LoadLibrary(string) error {
	f.calls.Add(1)
	return f.err
}

func newLoader(t *testing.T, native Native, fb Fallback, cfg Config) *Loader {
	l, err := NewLoader(native, LoaderFallback(fb), LoaderMetrics(NewMetrics(nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Configure(cfg))
	return l
}

func TestSingleLoader(t *testing.T) {
	l := fn.Panic1(NewLoader(new(fakeNative)))
	_, err := NewLoader(new(fakeNative))
	require.ErrorIs(t, err, ErrLoaderExists)
	fn.Panic(l.Close())
	l = fn.Panic1(NewLoader(new(fakeNative)))
	fn.Panic(l.Close())
}

func TestStaleCloseKeepsSlot(t *testing.T) {
	old := fn.Panic1(NewLoader(new(fakeNative)))
	fn.Panic(old.Close())
	l := fn.Panic1(NewLoader(new(fakeNative)))
	defer fn.IgnoreClose(l)()
	require.NoError(t, old.Close())
	_, err := NewLoader(new(fakeNative))
	require.ErrorIs(t, err, ErrLoaderExists)
}

func TestConfigFrozen(t *testing.T) {
	l := newLoader(t, new(fakeNative), nil, DefaultConfig(lib))
	require.NoError(t, l.Configure(DefaultConfig("/other.so")))
	assert.Equal(t, "/other.so", l.Config().Library)
	require.ErrorIs(t, l.Configure(DefaultConfig(lib)), ErrConfigFrozen)
	require.Error(t, (&Loader{}).Configure(Config{Strategy: "eager"}))
}

func TestLoadShared(t *testing.T) {
	f := new(fakeNative)
	fb := new(fallback)
	l := newLoader(t, f, fb, DefaultConfig(lib))
	m := fn.Panic1(l.Mediator())
	m.InitializeAsMain()
	require.NoError(t, l.EnsureLoaded())
	require.NoError(t, l.EnsureLoaded())
	assert.True(t, l.Loaded())
	assert.Len(t, f.loadCalls(), 1)
	assert.Zero(t, fb.calls.Load())
	assert.Equal(t, StateDoneProduce, m.Coordinator().State())
}

func TestLoadWithoutSharing(t *testing.T) {
	f := new(fakeNative)
	fb := new(fallback)
	cfg := DefaultConfig(lib)
	cfg.NoSharing = true
	l := newLoader(t, f, fb, cfg)
	require.NoError(t, l.EnsureLoaded())
	assert.EqualValues(t, 1, fb.calls.Load())
	assert.Empty(t, f.loadCalls())
}

func TestDefaultFallback(t *testing.T) {
	f := new(fakeNative)
	cfg := DefaultConfig(lib)
	cfg.NoSharing = true
	l, err := NewLoader(f)
	require.NoError(t, err)
	defer fn.IgnoreClose(l)()
	fn.Panic(l.Configure(cfg))
	require.NoError(t, l.EnsureLoaded())
	loads := f.loadCalls()
	require.Len(t, loads, 1)
	assert.True(t, loads[0].region.IsZero())
	assert.False(t, loads[0].reserved)
}

func TestFallbackWithoutReservation(t *testing.T) {
	f := &fakeNative{randomErr: errors.New("ENOMEM")}
	fb := new(fallback)
	l := newLoader(t, f, fb, DefaultConfig(lib))
	fn.Panic1(l.Mediator()).InitializeAsMain()
	require.NoError(t, l.EnsureLoaded())
	assert.EqualValues(t, 1, fb.calls.Load())
	assert.Empty(t, f.loadCalls())
}

func TestLinkFailureIsFatal(t *testing.T) {
	f := &fakeNative{loadErrs: []error{errors.New("first"), errors.New("second")}}
	fb := new(fallback)
	l := newLoader(t, f, fb, DefaultConfig(lib))
	require.ErrorIs(t, l.EnsureLoaded(), ErrLinkFailure)
	assert.False(t, l.Loaded())
	assert.Zero(t, fb.calls.Load())
	// a retry neither falls back nor loads again
	require.ErrorIs(t, l.EnsureLoaded(), ErrLinkFailure)
	require.ErrorIs(t, l.EnsureInitialized(), ErrLinkFailure)
	assert.False(t, l.Loaded())
	assert.Zero(t, fb.calls.Load())
	assert.Len(t, f.loadCalls(), 2)

	fb.err = errors.New("dlopen")
	cfg := DefaultConfig(lib)
	cfg.NoSharing = true
	fn.Panic(l.Close())
	l = newLoader(t, new(fakeNative), fb, cfg)
	require.ErrorIs(t, l.EnsureLoaded(), ErrLinkFailure)

	fn.Panic(l.Close())
	l = newLoader(t, new(fakeNative), fb, DefaultConfig(""))
	require.ErrorIs(t, l.EnsureLoaded(), ErrLinkFailure)
}

func TestEnsureInitializedOnce(t *testing.T) {
	f := new(fakeNative)
	l := newLoader(t, f, nil, DefaultConfig(lib))
	var runs atomic.Int32
	fn.Panic(l.OnInitialize(func() error {
		runs.Add(1)
		return nil
	}))
	var w sync.WaitGroup
	for i := 0; i < 16; i++ {
		w.Add(1)
		go func() {
			defer w.Done()
			assert.NoError(t, l.EnsureInitialized())
			assert.True(t, l.Initialized())
			assert.True(t, l.Loaded())
		}()
	}
	w.Wait()
	assert.EqualValues(t, 1, runs.Load())
	assert.Len(t, f.loadCalls(), 1)
	require.Error(t, l.OnInitialize(func() error { return nil }))
}

func TestEnsureInitializedError(t *testing.T) {
	l := newLoader(t, new(fakeNative), nil, DefaultConfig(lib))
	boom := errors.New("boom")
	fn.Panic(l.OnInitialize(func() error { return boom }))
	require.ErrorIs(t, l.EnsureInitialized(), boom)
	require.ErrorIs(t, l.EnsureInitialized(), boom)
	assert.False(t, l.Initialized())
	assert.True(t, l.Loaded())
}
