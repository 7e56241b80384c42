package relro

type (
	// Native is the OS facing loading primitive: reservations, image mapping and RELRO remapping.
	//
	// Implementations need not be safe for concurrent use, a Coordinator serializes every call.
	Native interface {
		// PageSize of the platform.
		PageSize() uintptr
		// NamedRegion locates the region reserved by an ancestor process. It reads process
		// memory map metadata and is slow.
		NamedRegion() (Region, error)
		// ReserveFixed reserves exactly r, failing on any conflict with an existing mapping.
		ReserveFixed(r Region) error
		// ReserveRandom reserves size bytes at an address chosen by the OS.
		ReserveRandom(size uintptr) (Region, error)
		// Release drops a reservation.
		Release(r Region) error
		// Load maps the library at r.Start. A zero r lets the OS choose the address.
		// When reserved is true r is already held by a reservation and is mapped over,
		// otherwise the range is acquired first and the call fails if it is taken.
		Load(path string, r Region, reserved bool) (Image, error)
		// CreateRelro copies the RELRO of img into a new shared memory object that is
		// sealed read-only before it is returned.
		CreateRelro(img Image) (Handle, error)
		// ReplaceRelro atomically maps h over relro, without the range ever being unmapped.
		// It returns ErrNotIdentical without touching the mapping when the contents differ.
		ReplaceRelro(relro Region, h Handle) error
	}
	// Fallback loads a library with the plain system behavior, no address control and no sharing.
	Fallback interface {
		LoadLibrary(path string) error
	}
	// Sender is the sending half of the IPC transport.
	Sender interface {
		SendLoadAddress(addr uintptr) error
		SendRecord(rec *LibraryRecord) error
	}
	// Receiver is the receiving half of the IPC transport.
	Receiver interface {
		ReceiveLoadAddress() (uintptr, error)
		ReceiveRecord() (*LibraryRecord, error)
	}
)

// Role a process intends to play for the RELRO.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Preference selects how the load address is reserved. Failing preferences fall through to the next one.
type Preference int

const (
	PreferFindNamed Preference = iota
	PreferHinted
	PreferRandom
)

func (p Preference) String() string {
	switch p {
	case PreferFindNamed:
		return "named"
	case PreferHinted:
		return "hinted"
	case PreferRandom:
		return "random"
	default:
		return "unknown"
	}
}

// Mode is the sharing mode of one load attempt.
type Mode int

const (
	ModeNoSharing Mode = iota
	ModeProduce
	ModeConsume
)

func (m Mode) String() string {
	switch m {
	case ModeProduce:
		return "produce"
	case ModeConsume:
		return "consume"
	default:
		return "none"
	}
}

// State of a Coordinator. It only moves forward.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateDoneProduce
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDoneProduce:
		return "done-produce"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

func (s State) done() bool {
	return s == StateDone || s == StateDoneProduce
}
