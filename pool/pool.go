// Package pool is the plain fallback loader for libraries shipped as Go relocatable objects.
//
// It links objects into the running process with goloader, without any address control
// or RELRO sharing, and exposes their symbols so that initialization hooks can be wired
// to [relro.Loader.OnInitialize].
package pool

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/relro"
	"github.com/pkg/errors"
	"github.com/pkujhd/goloader"
	"github.com/sirupsen/logrus"
)

type (
	// Sym is the address of a linked symbol, see [As].
	Sym uintptr
	// Pool of linked objects sharing one symbol table. Safe for concurrent use.
	Pool struct {
		sync.RWMutex
		symbols map[string]uintptr
		modules map[string]*module
		order   []string //packages in link order
		log     logrus.FieldLogger
		debug   bool
	}
	module struct {
		file   string
		pkg    string
		linker *goloader.Linker
		code   *goloader.CodeModule
	}
)

var _ relro.Fallback = (*Pool)(nil)

var (
	ErrAlreadyLoad    = errors.New("module already loaded")
	ErrNotLoad        = errors.New("module not loaded")
	ErrMissingSymbol  = errors.New("missing symbol")
	ErrMissingPackage = errors.New("package not loaded")
)

// InitSymbol is the function a library exports to be run by [Pool.Initializer].
const InitSymbol = "OnLoad"

// NewPool creates a pool resolving against the symbols of the host executable.
// An optional debug parameter enables debug logging.
func NewPool(log logrus.FieldLogger, debug ...bool) (p *Pool, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p = &Pool{
		symbols: make(map[string]uintptr),
		modules: make(map[string]*module),
		log:     log.WithField("component", "pool"),
		debug:   len(debug) > 0 && debug[0],
	}
	if err = goloader.RegSymbol(p.symbols); err != nil {
		return nil, errors.Wrap(err, "register host symbols")
	}
	return
}

// RegisterTypes makes the types of t resolvable by loaded objects.
func (p *Pool) RegisterTypes(t ...any) {
	p.Lock()
	defer p.Unlock()
	goloader.RegTypes(p.symbols, t...)
}

// Symbols resolved by the pool.
func (p *Pool) Symbols() []string {
	p.RLock()
	defer p.RUnlock()
	return fn.MapKeys(p.symbols)
}

// LoadLibrary links the object at path. A package path may follow a '#', as in
// "lib/sample.o#sample", the default is main.
func (p *Pool) LoadLibrary(path string) error {
	file, pkg := SplitPath(path)
	return p.LoadFile(file, pkg)
}

// SplitPath separates the file and the package path of a library path given to [Pool.LoadLibrary].
func SplitPath(path string) (file, pkg string) {
	if i := strings.LastIndexByte(path, '#'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, "main"
}

// IsObject reports whether path names a go object or archive the pool links.
func IsObject(path string) bool {
	file, _ := SplitPath(path)
	switch filepath.Ext(file) {
	case ".o", ".a":
		return true
	}
	return false
}

// LoadFile links a go archive or object file as package pkgPath.
func (p *Pool) LoadFile(file, pkgPath string) (err error) {
	if pkgPath == "" {
		pkgPath = "main"
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.modules[pkgPath]; ok {
		return errors.Wrap(ErrAlreadyLoad, pkgPath)
	}
	m := &module{file: file, pkg: pkgPath}
	if m.linker, err = goloader.ReadObj(file, pkgPath); err != nil {
		return errors.Wrapf(err, "read object %s", file)
	}
	if p.debug {
		p.log.WithField("missing", goloader.UnresolvedSymbols(m.linker, p.symbols)).Debug("linker created")
	}
	if m.code, err = goloader.Load(m.linker, p.symbols); err != nil {
		return errors.Wrapf(err, "link %s", file)
	}
	p.modules[pkgPath] = m
	p.order = append(p.order, pkgPath)
	p.register(m)
	p.log.WithFields(logrus.Fields{"file": file, "package": pkgPath}).Info("object linked")
	return
}

// MissingSymbols of file that the pool can not resolve.
func (p *Pool) MissingSymbols(file, pkgPath string) ([]string, error) {
	l, err := goloader.ReadObj(file, pkgPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read object %s", file)
	}
	p.RLock()
	defer p.RUnlock()
	return goloader.UnresolvedSymbols(l, p.symbols), nil
}

func (p *Pool) register(m *module) {
	for s, u := range m.code.Syms {
		if _, ok := p.symbols[s]; !ok {
			p.symbols[s] = u
		}
	}
}

func (p *Pool) unregister(m *module) {
	for s, u := range m.code.Syms {
		if x, ok := p.symbols[s]; ok && x == u {
			delete(p.symbols, s)
		}
	}
}

// Unload pkgPath and every package linked after it, which may depend on it.
func (p *Pool) Unload(pkgPath string) error {
	p.Lock()
	defer p.Unlock()
	i := slices.Index(p.order, pkgPath)
	if i < 0 {
		return errors.Wrap(ErrNotLoad, pkgPath)
	}
	p.unloadFrom(i)
	return nil
}

func (p *Pool) unloadFrom(i int) {
	_ = os.Stdout.Sync()
	for j := len(p.order) - 1; j >= i; j-- {
		m := p.modules[p.order[j]]
		p.unregister(m)
		m.code.Unload()
		delete(p.modules, m.pkg)
		if p.debug {
			p.log.WithField("package", m.pkg).Debug("unloaded")
		}
	}
	p.order = p.order[:i]
}

// Lookup symbolName of package pkgPath.
func (p *Pool) Lookup(pkgPath, symbolName string) (s Sym, err error) {
	if pkgPath == "" {
		pkgPath = "main"
	}
	p.RLock()
	defer p.RUnlock()
	m, ok := p.modules[pkgPath]
	if !ok {
		return 0, errors.Wrap(ErrMissingPackage, pkgPath)
	}
	u, ok := m.code.Syms[pkgPath+"."+symbolName]
	if !ok {
		return 0, errors.Wrapf(ErrMissingSymbol, "%s.%s", pkgPath, symbolName)
	}
	cell := new(uintptr)
	*cell = u
	return Sym(unsafe.Pointer(cell)), nil
}

// Require is Lookup which panics.
func (p *Pool) Require(pkgPath, symbolName string) Sym {
	return fn.Panic1(p.Lookup(pkgPath, symbolName))
}

// Initializer returns a hook running the [InitSymbol] of pkgPath, for [relro.Loader.OnInitialize].
// A package without it initializes to nothing.
func (p *Pool) Initializer(pkgPath string) func() error {
	return func() error {
		s, err := p.Lookup(pkgPath, InitSymbol)
		if errors.Is(err, ErrMissingSymbol) {
			return nil
		} else if err != nil {
			return err
		}
		return As[func() error](s)()
	}
}

// Packages in link order.
func (p *Pool) Packages() []string {
	p.RLock()
	defer p.RUnlock()
	return slices.Clone(p.order)
}

// Close unloads everything.
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()
	if len(p.order) > 0 {
		p.unloadFrom(0)
	}
	return nil
}

// Inspect lists the symbols inside an object file without linking it.
func Inspect(file, pkgPath string) ([]string, error) {
	return goloader.Parse(file, pkgPath)
}

// As converts a Sym to a function of type T.
//
// Fetch and call in the same place, do not keep the converted value around.
func As[T any](s Sym) (x T) {
	return *(*T)(unsafe.Pointer(&s))
}
