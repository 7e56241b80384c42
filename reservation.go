package relro

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultReservationSize is reserved before the exact size of the library is known.
const DefaultReservationSize uintptr = 192 << 20

// Reservation finds a virtual address range large enough for the library.
//
// A Reservation is used once: a second Reserve is a programming error.
type Reservation struct {
	native  Native
	size    uintptr
	keep    bool
	log     logrus.FieldLogger
	metrics *Metrics

	used   bool
	held   bool
	owned  bool
	region Region
}

// NewReservation creates a Reservation of size bytes, rounded up to pages.
// With keep the reservation stays mapped until the load reuses it, otherwise it is
// released right after it was found and the load re-acquires the range.
func NewReservation(native Native, size uintptr, keep bool) *Reservation {
	if size == 0 {
		size = DefaultReservationSize
	}
	return &Reservation{
		native: native,
		size:   pageUp(size, native.PageSize()),
		keep:   keep,
		log:    logrus.WithField("component", "reservation"),
	}
}

func (r *Reservation) withLogger(log logrus.FieldLogger, m *Metrics) *Reservation {
	if log != nil {
		r.log = log.WithField("component", "reservation")
	}
	r.metrics = m
	return r
}

// Held reports whether the found region is currently mapped as a reservation.
func (r *Reservation) Held() bool { return r.held }

// Region found by Reserve.
func (r *Reservation) Region() Region { return r.region }

// Reserve obtains a region following pref and falling through to the next preferences on failure.
// Only PreferRandom has no fallback, its failure is ErrReservation.
func (r *Reservation) Reserve(pref Preference, hint uintptr) (Region, error) {
	if r.used {
		panic("relro: Reserve called twice on the same Reservation")
	}
	r.used = true
	switch pref {
	case PreferFindNamed:
		if reg, ok := r.findNamed(hint); ok {
			return reg, nil
		}
		fallthrough
	case PreferHinted:
		if reg, ok := r.reserveHinted(hint); ok {
			return reg, nil
		}
		fallthrough
	default:
		return r.reserveRandom()
	}
}

func (r *Reservation) findNamed(hint uintptr) (Region, bool) {
	reg, err := r.native.NamedRegion()
	if err != nil {
		r.log.WithError(err).Debug("no named region")
		r.metrics.reserved(PreferFindNamed, false)
		return Region{}, false
	}
	// the ancestor owns the named region, it stays mapped whatever keep says
	if hint != 0 && hint == reg.Start {
		r.acceptNamed(reg)
		r.metrics.reserved(PreferFindNamed, true)
		return reg, true
	}
	if reg.Start == 0 || reg.Start%r.native.PageSize() != 0 || reg.Size < r.size {
		r.log.WithField("region", reg).Warn("named region is unusable")
		r.metrics.reserved(PreferFindNamed, false)
		return Region{}, false
	}
	if hint != 0 {
		r.log.WithField("region", reg).WithField("hint", hint).Info("hint differs from named region, using named region")
	}
	r.acceptNamed(reg)
	r.metrics.reserved(PreferFindNamed, true)
	return reg, true
}

func (r *Reservation) reserveHinted(hint uintptr) (Region, bool) {
	if hint == 0 {
		return Region{}, false
	}
	reg := Region{Start: hint, Size: r.size}
	if hint%r.native.PageSize() != 0 {
		r.log.WithField("hint", hint).Warn("hint is not page aligned")
		r.metrics.reserved(PreferHinted, false)
		return Region{}, false
	}
	if err := r.native.ReserveFixed(reg); err != nil {
		r.log.WithError(err).WithField("region", reg).Warn("cannot reserve at hint")
		r.metrics.reserved(PreferHinted, false)
		return Region{}, false
	}
	r.metrics.reserved(PreferHinted, true)
	r.accept(reg, r.keep)
	return reg, true
}

func (r *Reservation) reserveRandom() (Region, error) {
	reg, err := r.native.ReserveRandom(r.size)
	if err == nil && reg.Start == 0 {
		err = errors.New("zero address")
	}
	if err != nil {
		r.metrics.reserved(PreferRandom, false)
		return Region{}, errors.Wrapf(ErrReservation, "random reservation of %d bytes: %v", r.size, err)
	}
	r.metrics.reserved(PreferRandom, true)
	r.accept(reg, r.keep)
	return reg, nil
}

func (r *Reservation) acceptNamed(reg Region) {
	r.region = reg
	r.held = true
}

func (r *Reservation) accept(reg Region, keep bool) {
	r.region = reg
	r.held = true
	r.owned = true
	if !keep {
		r.release()
	}
}

func (r *Reservation) release() {
	if !r.held {
		return
	}
	r.held = false
	if !r.owned {
		return
	}
	if err := r.native.Release(r.region); err != nil {
		r.log.WithError(err).WithField("region", r.region).Warn("release reservation")
	}
}

// handoff marks the reservation as consumed by a load which mapped over it.
func (r *Reservation) handoff() {
	r.held = false
}

func pageUp(v, page uintptr) uintptr {
	return (v + page - 1) &^ (page - 1)
}
