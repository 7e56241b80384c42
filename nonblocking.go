package relro

// NonBlocking loads the library immediately and atomically replaces its RELRO whenever the
// remote record arrives, before or after the load.
//
// It requires a native primitive able to remap a range while other threads execute from it.
// The reservation is kept until the load maps over it.
type NonBlocking struct {
	core
}

// NewNonBlocking creates a NonBlocking coordinator on native.
func NewNonBlocking(native Native, opts ...Option) *NonBlocking {
	n := new(NonBlocking)
	n.init(native, true, n, "nonblocking", opts)
	return n
}

func (n *NonBlocking) loadLocked(path string, mode Mode) error {
	if err := n.mapLocked(path, mode); err != nil {
		return err
	}
	switch mode {
	case ModeProduce:
		n.produceLocked()
	case ModeConsume:
		n.state = StateDone
		n.useRemoteLocked()
	default:
		n.metrics.sharingStatus(StatusNoSharing)
		n.state = StateDone
	}
	return nil
}

func (n *NonBlocking) remoteArrivedLocked() {
	if n.state == StateDone {
		n.useRemoteLocked()
	}
}
