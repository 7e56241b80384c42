package relro

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ProcessRole is the part a process plays in the process tree.
type ProcessRole int

const (
	ProcessUnset ProcessRole = iota
	ProcessMain
	ProcessAncestor // zygote like: forks children before the library address is final
	ProcessChild
)

func (r ProcessRole) String() string {
	switch r {
	case ProcessMain:
		return "main"
	case ProcessAncestor:
		return "ancestor"
	case ProcessChild:
		return "child"
	default:
		return "unset"
	}
}

// Mediator binds a Coordinator to the role of the process and to the IPC transport.
type Mediator struct {
	mu       sync.Mutex
	c        Coordinator
	role     ProcessRole
	ancestor bool //this process was an ancestor before becoming a child
	log      logrus.FieldLogger
	metrics  *Metrics
}

// NewMediator creates a Mediator driving c. m may be nil.
func NewMediator(c Coordinator, log logrus.FieldLogger, m *Metrics) *Mediator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mediator{c: c, log: log.WithField("component", "mediator"), metrics: m}
}

// Coordinator driven by the mediator.
func (m *Mediator) Coordinator() Coordinator { return m.c }

// Role of the process.
func (m *Mediator) Role() ProcessRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// InitializeAsMain makes this process the RELRO producer at a random address.
func (m *Mediator) InitializeAsMain() {
	m.mu.Lock()
	if m.role == ProcessUnset {
		m.role = ProcessMain
	}
	m.mu.Unlock()
	m.c.Initialize(RoleProducer, PreferRandom, 0)
}

// InitializeAsAncestor only marks the role, the coordinator is initialized by the child.
func (m *Mediator) InitializeAsAncestor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role == ProcessUnset {
		m.role = ProcessAncestor
		m.ancestor = true
	}
}

// InitializeAsChild makes this process a RELRO consumer reserving at hint, the load address
// exported by the producer. A child of an ancestor first looks for the region the ancestor reserved.
// A process already initialized as main keeps its role.
func (m *Mediator) InitializeAsChild(hint uintptr) {
	m.mu.Lock()
	pref := PreferHinted
	if m.ancestor {
		pref = PreferFindNamed
	}
	if m.role == ProcessUnset || m.role == ProcessAncestor {
		m.role = ProcessChild
	}
	m.mu.Unlock()
	m.c.Initialize(RoleConsumer, pref, hint)
}

// LoadLibrary loads path through the coordinator and records the load time by role.
func (m *Mediator) LoadLibrary(path string) error {
	start := time.Now()
	err := m.c.LoadLibrary(path)
	d := time.Since(start)
	role := m.Role()
	m.metrics.observeLoad(role.String(), d)
	m.log.WithFields(logrus.Fields{
		"role":     role,
		"path":     path,
		"duration": d,
		"address":  m.c.LoadAddress(),
	}).Info("library load finished")
	return err
}

// ExportLoadAddress returns the reserved address so children can reserve theirs before the load completes.
func (m *Mediator) ExportLoadAddress() (uintptr, bool) {
	if m.c.State() == StateUninitialized {
		return 0, false
	}
	addr := m.c.LoadAddress()
	return addr, addr != 0
}

// ExportRelroRecord returns the record to send to children, nil unless this process produced one.
func (m *Mediator) ExportRelroRecord() *LibraryRecord {
	return m.c.ExportRecord()
}

// ImportRelroRecord hands a record received from the producer to the coordinator.
func (m *Mediator) ImportRelroRecord(rec *LibraryRecord) {
	m.c.AcceptRemote(rec)
}

// SendLoadAddress publishes the load address on s.
func (m *Mediator) SendLoadAddress(s Sender) error {
	addr, ok := m.ExportLoadAddress()
	if !ok {
		return errors.New("no load address to export")
	}
	return errors.Wrap(s.SendLoadAddress(addr), "send load address")
}

// SendRelroRecord publishes the RELRO record on s. The exported copy is released once sent.
func (m *Mediator) SendRelroRecord(s Sender) (err error) {
	rec := m.ExportRelroRecord()
	if rec == nil {
		return errors.New("no relro record to export")
	}
	defer func() { _ = rec.Close() }()
	return errors.Wrap(s.SendRecord(rec), "send relro record")
}

// ReceiveLoadAddress reads the producer's address from r and initializes as a child with it.
func (m *Mediator) ReceiveLoadAddress(r Receiver) error {
	addr, err := r.ReceiveLoadAddress()
	if err != nil {
		return errors.Wrap(err, "receive load address")
	}
	m.InitializeAsChild(addr)
	return nil
}

// ReceiveRelroRecord reads one record from r and imports it.
func (m *Mediator) ReceiveRelroRecord(r Receiver) error {
	rec, err := r.ReceiveRecord()
	if err != nil {
		return errors.Wrap(err, "receive relro record")
	}
	m.ImportRelroRecord(rec)
	return nil
}
