package relro

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lib = "/opt/lib/libmain.so"

type coordinator interface {
	Coordinator
	Replaced() bool
}

func strategies() map[string]func(Native, ...Option) coordinator {
	return map[string]func(Native, ...Option) coordinator{
		"blocking":    func(n Native, o ...Option) coordinator { return NewBlocking(n, o...) },
		"nonblocking": func(n Native, o ...Option) coordinator { return NewNonBlocking(n, o...) },
	}
}

func sharing(m *Metrics, status string) float64 {
	return testutil.ToFloat64(m.sharing.WithLabelValues(status))
}

func TestProducer(t *testing.T) {
	for name, create := range strategies() {
		t.Run(name, func(t *testing.T) {
			f := new(fakeNative)
			m := NewMetrics(nil)
			c := create(f, WithMetrics(m), WithDebug(true))
			c.Initialize(RoleProducer, PreferRandom, 0)
			assert.Equal(t, StateInitialized, c.State())
			assert.EqualValues(t, fakeRandom, c.LoadAddress())
			require.NoError(t, c.LoadLibrary(lib))
			assert.Equal(t, StateDoneProduce, c.State())
			// the producer maps its own shared copy too
			assert.Equal(t, 1, f.replaceCount())
			assert.Equal(t, 1.0, sharing(m, StatusProduced))

			rec := c.ExportRecord()
			require.NotNil(t, rec)
			assert.True(t, rec.HasHandle())
			assert.Equal(t, lib, rec.Path)
			assert.EqualValues(t, fakeRandom, rec.LoadAddress)
			assert.EqualValues(t, fakeRandom+fakeRelroOff, rec.RelroStart)
			assert.EqualValues(t, 2, f.open.Load())
			require.NoError(t, rec.Close())

			// records sent back to a producer are dropped
			other := new(handles)
			c.AcceptRemote(record(other, lib, fakeRandom))
			assert.Zero(t, other.open.Load())

			require.ErrorIs(t, c.LoadLibrary(lib), ErrAlreadyLoaded)
			require.NoError(t, c.Close())
			assert.Zero(t, f.open.Load())
		})
	}
}

func TestProduceFailureStillDone(t *testing.T) {
	for name, create := range strategies() {
		t.Run(name, func(t *testing.T) {
			f := &fakeNative{createErr: errors.New("memfd")}
			m := NewMetrics(nil)
			c := create(f, WithMetrics(m))
			c.Initialize(RoleProducer, PreferRandom, 0)
			require.NoError(t, c.LoadLibrary(lib))
			assert.Equal(t, StateDoneProduce, c.State())
			rec := c.ExportRecord()
			require.NotNil(t, rec)
			assert.False(t, rec.HasHandle())
			assert.Equal(t, 1.0, sharing(m, StatusProduceFailed))
			assert.Zero(t, f.replaceCount())
		})
	}
}

func TestExportBeforeLoad(t *testing.T) {
	c := NewNonBlocking(new(fakeNative))
	assert.Nil(t, c.ExportRecord())
	c.Initialize(RoleProducer, PreferRandom, 0)
	assert.Nil(t, c.ExportRecord())
}

func TestInitializeOnce(t *testing.T) {
	f := &fakeNative{random: 0x10000000}
	c := NewNonBlocking(f)
	c.Initialize(RoleProducer, PreferRandom, 0)
	f.random = 0x20000000
	c.Initialize(RoleConsumer, PreferRandom, 0)
	assert.EqualValues(t, 0x10000000, c.LoadAddress())
}

func TestImplicitInitialize(t *testing.T) {
	f := new(fakeNative)
	c := NewBlocking(f)
	require.NoError(t, c.LoadLibrary(lib))
	assert.Equal(t, StateDoneProduce, c.State())
	assert.EqualValues(t, fakeRandom, c.Local().LoadAddress)
}

func TestNoReservation(t *testing.T) {
	for name, create := range strategies() {
		t.Run(name, func(t *testing.T) {
			f := &fakeNative{randomErr: errors.New("ENOMEM")}
			c := create(f)
			c.Initialize(RoleProducer, PreferRandom, 0)
			assert.Zero(t, c.LoadAddress())
			require.ErrorIs(t, c.LoadLibrary(lib), ErrNoReservation)
			assert.Empty(t, f.loadCalls())
			assert.Equal(t, StateInitialized, c.State())
		})
	}
}

func TestRetryWithoutSharing(t *testing.T) {
	for name, create := range strategies() {
		t.Run(name, func(t *testing.T) {
			f := &fakeNative{loadErrs: []error{errors.New("EEXIST")}}
			m := NewMetrics(nil)
			c := create(f, WithMetrics(m))
			c.Initialize(RoleProducer, PreferRandom, 0)
			require.NoError(t, c.LoadLibrary(lib))
			loads := f.loadCalls()
			require.Len(t, loads, 2)
			assert.EqualValues(t, fakeRandom, loads[0].region.Start)
			assert.True(t, loads[1].region.IsZero())
			assert.False(t, loads[1].reserved)
			// the record reflects the second load
			local := c.Local()
			assert.EqualValues(t, fakeRandom+0x100000000, local.LoadAddress)
			assert.Equal(t, StateDone, c.State())
			assert.Nil(t, c.ExportRecord())
			assert.Equal(t, 1.0, sharing(m, StatusNoSharing))
		})
	}
}

func TestLinkFailure(t *testing.T) {
	f := &fakeNative{loadErrs: []error{errors.New("first"), errors.New("second")}}
	c := NewNonBlocking(f)
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	err := c.LoadLibrary(lib)
	require.ErrorIs(t, err, ErrLinkFailure)
	assert.Len(t, f.loadCalls(), 2)
	// the kept reservation was given back before the retry
	assert.Equal(t, []Region{{Start: fakeRandom, Size: DefaultReservationSize}}, f.released)
	// the failure is final, no further load is attempted
	err = c.LoadLibrary(lib)
	require.ErrorIs(t, err, ErrLinkFailure)
	assert.NotErrorIs(t, err, ErrNoReservation)
	assert.Len(t, f.loadCalls(), 2)
	assert.Equal(t, StateInitialized, c.State())
}

func TestNonBlockingRecordFirst(t *testing.T) {
	f := new(fakeNative)
	remote := new(handles)
	m := NewMetrics(nil)
	c := NewNonBlocking(f, WithMetrics(m))
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	c.AcceptRemote(record(remote, lib, fakeRandom))
	assert.Zero(t, f.replaceCount())
	require.NoError(t, c.LoadLibrary(lib))
	assert.Equal(t, StateDone, c.State())
	assert.True(t, c.Replaced())
	assert.Equal(t, 1, f.replaceCount())
	assert.Zero(t, remote.open.Load())
	assert.EqualValues(t, 1, remote.closes.Load())
	assert.Equal(t, 1.0, sharing(m, StatusShared))
}

func TestNonBlockingRecordLater(t *testing.T) {
	f := new(fakeNative)
	remote := new(handles)
	c := NewNonBlocking(f)
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	require.NoError(t, c.LoadLibrary(lib))
	assert.Equal(t, StateDone, c.State())
	assert.False(t, c.Replaced())
	loads := f.loadCalls()
	require.Len(t, loads, 1)
	assert.True(t, loads[0].reserved)

	c.AcceptRemote(record(remote, lib, fakeRandom))
	assert.True(t, c.Replaced())
	assert.Equal(t, 1, f.replaceCount())
	assert.Zero(t, remote.open.Load())

	// a second record is a protocol violation, released without a second replace
	c.AcceptRemote(record(remote, lib, fakeRandom))
	assert.Equal(t, 1, f.replaceCount())
	assert.Zero(t, remote.open.Load())
	assert.EqualValues(t, 2, remote.closes.Load())
}

func TestSecondRecordRejected(t *testing.T) {
	for name, create := range strategies() {
		t.Run(name, func(t *testing.T) {
			f := new(fakeNative)
			remote := new(handles)
			m := NewMetrics(nil)
			c := create(f, WithMetrics(m))
			c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
			first := record(remote, lib, fakeRandom)
			want := first.Snapshot()
			h := first.RelroHandle
			c.AcceptRemote(first)
			// the second record names another address, adopting it would fail the consume
			c.AcceptRemote(record(remote, lib, fakeRandom+fakePage))
			assert.EqualValues(t, 1, remote.open.Load())
			assert.Equal(t, 1.0, sharing(m, StatusRejectedRecord))
			assert.Equal(t, want, first.Snapshot())
			require.NoError(t, c.LoadLibrary(lib))
			assert.True(t, c.Replaced())
			assert.Equal(t, 1, f.replaceCount())
			assert.Same(t, h, f.replaced[0])
			assert.Equal(t, 1.0, sharing(m, StatusShared))
			assert.Zero(t, sharing(m, StatusConsumeFailed))
			assert.Zero(t, remote.open.Load())
		})
	}
}

func TestRemoteMismatch(t *testing.T) {
	for name, rec := range map[string]func(c *handles) *LibraryRecord{
		"path":    func(c *handles) *LibraryRecord { return record(c, "/other.so", fakeRandom) },
		"address": func(c *handles) *LibraryRecord { return record(c, lib, fakeRandom+fakePage) },
		"handle": func(c *handles) *LibraryRecord {
			r := record(c, lib, fakeRandom)
			_ = r.Close()
			return r
		},
		"relro": func(c *handles) *LibraryRecord {
			r := record(c, lib, fakeRandom)
			r.RelroSize = fakePage
			return r
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := new(fakeNative)
			remote := new(handles)
			m := NewMetrics(nil)
			c := NewNonBlocking(f, WithMetrics(m))
			c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
			c.AcceptRemote(rec(remote))
			require.NoError(t, c.LoadLibrary(lib))
			assert.False(t, c.Replaced())
			assert.Zero(t, f.replaceCount())
			assert.Zero(t, remote.open.Load())
			assert.Equal(t, 1.0, sharing(m, StatusConsumeFailed))
		})
	}
}

func TestNotIdentical(t *testing.T) {
	f := &fakeNative{replaceErr: errors.Wrap(ErrNotIdentical, "page 2")}
	remote := new(handles)
	m := NewMetrics(nil)
	c := NewNonBlocking(f, WithMetrics(m))
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	require.NoError(t, c.LoadLibrary(lib))
	c.AcceptRemote(record(remote, lib, fakeRandom))
	assert.False(t, c.Replaced())
	assert.Equal(t, StateDone, c.State())
	assert.Zero(t, remote.open.Load())
	assert.Equal(t, 1.0, sharing(m, StatusNotIdentical))
}

func TestBlockingWaitsForRecord(t *testing.T) {
	f := new(fakeNative)
	remote := new(handles)
	c := NewBlocking(f)
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	// the unkept reservation is given back right away
	assert.Equal(t, []Region{{Start: fakeRandom, Size: DefaultReservationSize}}, f.released)

	done := make(chan error, 1)
	go func() { done <- c.LoadLibrary(lib) }()
	require.Eventually(t, c.Waiting, time.Second, time.Millisecond)
	assert.Equal(t, StateInitialized, c.State())
	select {
	case <-done:
		t.Fatal("load returned before the record arrived")
	default:
	}
	require.ErrorIs(t, c.LoadLibrary(lib), ErrAlreadyLoaded)

	c.AcceptRemote(record(remote, lib, fakeRandom))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("load still waiting")
	}
	assert.Equal(t, StateDone, c.State())
	assert.True(t, c.Replaced())
	assert.Equal(t, 1, f.replaceCount())
	assert.Zero(t, remote.open.Load())
	loads := f.loadCalls()
	require.Len(t, loads, 1)
	assert.False(t, loads[0].reserved)
	assert.EqualValues(t, fakeRandom, loads[0].region.Start)
}

func TestBlockingRecordFirst(t *testing.T) {
	f := new(fakeNative)
	remote := new(handles)
	c := NewBlocking(f)
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	c.AcceptRemote(record(remote, lib, fakeRandom))
	require.NoError(t, c.LoadLibrary(lib))
	assert.True(t, c.Replaced())
	assert.Zero(t, remote.open.Load())
}

func TestBlockingTimeout(t *testing.T) {
	f := new(fakeNative)
	remote := new(handles)
	m := NewMetrics(nil)
	c := NewBlocking(f, WithMetrics(m), WithWaitTimeout(20*time.Millisecond))
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	require.NoError(t, c.LoadLibrary(lib))
	assert.Equal(t, StateDone, c.State())
	assert.False(t, c.Replaced())
	assert.Equal(t, 1.0, sharing(m, StatusWaitTimeout))

	// too late, the record is released unused
	c.AcceptRemote(record(remote, lib, fakeRandom))
	assert.Zero(t, f.replaceCount())
	assert.Zero(t, remote.open.Load())
}

func TestConcurrentAccept(t *testing.T) {
	f := new(fakeNative)
	remote := new(handles)
	c := NewNonBlocking(f)
	c.Initialize(RoleConsumer, PreferHinted, fakeRandom)
	var w sync.WaitGroup
	for i := 0; i < 8; i++ {
		w.Add(1)
		go func() {
			defer w.Done()
			c.AcceptRemote(record(remote, lib, fakeRandom))
		}()
	}
	w.Add(1)
	go func() {
		defer w.Done()
		assert.NoError(t, c.LoadLibrary(lib))
	}()
	w.Wait()
	assert.True(t, c.Replaced())
	assert.Equal(t, 1, f.replaceCount())
	assert.EqualValues(t, 8, remote.closes.Load())
	assert.Zero(t, remote.open.Load())
}
