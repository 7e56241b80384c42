//go:build !linux

package native

import (
	"github.com/ZenLiuCN/relro"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Linker is only implemented on Linux, every operation fails with relro.ErrUnsupported.
type Linker struct {
	log logrus.FieldLogger
}

func New(_ string, log logrus.FieldLogger) *Linker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Linker{log: log}
}

var errUnsupported = errors.Wrap(relro.ErrUnsupported, "shared relro needs linux")

func (l *Linker) PageSize() uintptr                                     { return 4096 }
func (l *Linker) NamedRegion() (relro.Region, error)                    { return relro.Region{}, errUnsupported }
func (l *Linker) ReserveNamed(uintptr) (relro.Region, error)            { return relro.Region{}, errUnsupported }
func (l *Linker) ReserveFixed(relro.Region) error                       { return errUnsupported }
func (l *Linker) ReserveRandom(uintptr) (relro.Region, error)           { return relro.Region{}, errUnsupported }
func (l *Linker) Release(relro.Region) error                            { return errUnsupported }
func (l *Linker) CreateRelro(relro.Image) (relro.Handle, error)         { return nil, errUnsupported }
func (l *Linker) ReplaceRelro(relro.Region, relro.Handle) error         { return errUnsupported }
func (l *Linker) Load(string, relro.Region, bool) (relro.Image, error) { return relro.Image{}, errUnsupported }

// Mappings is only available on Linux.
func Mappings(int) ([]Mapping, error) { return nil, errUnsupported }

// Mapping is one line of a process memory map.
type Mapping struct {
	relro.Region
	Perms  string
	Offset int64
	Path   string
}
