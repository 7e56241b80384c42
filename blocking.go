package relro

import (
	"sync"
	"time"
)

// Blocking loads the library, then parks the calling goroutine until the remote record arrives
// and swaps in the shared RELRO before LoadLibrary returns.
//
// It suits native primitives which cannot patch mappings while other threads may already run
// code from the library. The reservation is released right after it is found and re-acquired by the load.
type Blocking struct {
	core
	cond    *sync.Cond
	waiting bool
}

// NewBlocking creates a Blocking coordinator on native.
func NewBlocking(native Native, opts ...Option) *Blocking {
	b := new(Blocking)
	b.init(native, false, b, "blocking", opts)
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Blocking) loadLocked(path string, mode Mode) error {
	if err := b.mapLocked(path, mode); err != nil {
		return err
	}
	switch mode {
	case ModeProduce:
		b.produceLocked()
	case ModeConsume:
		b.waitLocked()
		b.useRemoteLocked()
		b.state = StateDone
	default:
		b.metrics.sharingStatus(StatusNoSharing)
		b.state = StateDone
	}
	return nil
}

// waitLocked is the only suspension point: it releases the mutex until the remote record
// arrived or the optional timeout expired.
func (b *Blocking) waitLocked() {
	if b.remote != nil {
		return
	}
	expired := false
	if b.timeout > 0 {
		t := time.AfterFunc(b.timeout, func() {
			b.mu.Lock()
			expired = true
			b.mu.Unlock()
			b.cond.Broadcast()
		})
		defer t.Stop()
	}
	b.log.Debug("waiting for the remote relro")
	start := time.Now()
	b.waiting = true
	for b.remote == nil && !expired {
		b.cond.Wait()
	}
	b.waiting = false
	if b.remote == nil {
		b.log.WithField("timeout", b.timeout).Warn("no remote relro received, continuing without sharing")
		b.metrics.sharingStatus(StatusWaitTimeout)
		return
	}
	b.log.WithField("waited", time.Since(start)).Debug("remote relro received")
}

func (b *Blocking) remoteArrivedLocked() {
	if b.state.done() {
		// the mapping can no longer be patched safely
		b.log.Warn("remote relro arrived after the load completed, dropped")
		b.consumed = true
		b.metrics.sharingStatus(StatusConsumeFailed)
		_ = b.remote.Close()
		return
	}
	if b.waiting {
		b.cond.Broadcast()
	}
}

// Waiting reports whether a consumer is parked for the remote record.
func (b *Blocking) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}
