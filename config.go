package relro

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Strategies selectable by Config.Strategy.
const (
	StrategyBlocking    = "blocking"
	StrategyNonBlocking = "nonblocking"
)

// DefaultNamedRegion is the memory map name of the region an ancestor reserves.
const DefaultNamedRegion = "[anon:relro-reservation]"

// Config of a Loader, usually read once from a TOML file early in the life of the process.
//
//	library          = "/opt/app/lib/libmain.so"
//	no_sharing       = false
//	strategy         = "nonblocking"
//	reservation_size = "192MiB"
//	named_region     = "[anon:relro-reservation]"
//	wait_timeout     = "0s"
//	debug            = false
type Config struct {
	Library         string `toml:"library"`
	NoSharing       bool   `toml:"no_sharing"`
	Strategy        string `toml:"strategy"`
	ReservationSize string `toml:"reservation_size"`
	NamedRegion     string `toml:"named_region"`
	WaitTimeout     string `toml:"wait_timeout"`
	Debug           bool   `toml:"debug"`
}

// DefaultConfig for library path.
func DefaultConfig(library string) Config {
	c := Config{Library: library}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyNonBlocking
	}
	if c.ReservationSize == "" {
		c.ReservationSize = units.BytesSize(float64(DefaultReservationSize))
	}
	if c.NamedRegion == "" {
		c.NamedRegion = DefaultNamedRegion
	}
}

// LoadConfig parses a TOML config.
func LoadConfig(r io.Reader) (Config, error) {
	var c Config
	t, err := toml.LoadReader(r)
	if err != nil {
		return c, errors.Wrap(err, "failed to parse config")
	}
	if err = t.Unmarshal(&c); err != nil {
		return c, errors.Wrap(err, "failed to parse config")
	}
	c.defaults()
	return c, c.Validate()
}

// LoadConfigFile parses the TOML config at fp. A missing file yields the defaults.
func LoadConfigFile(fp string) (Config, error) {
	f, err := os.Open(fp)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(""), nil
		}
		return Config{}, errors.Wrapf(err, "failed to load config from %s", fp)
	}
	defer f.Close()
	return LoadConfig(f)
}

// Validate the config values.
func (c Config) Validate() error {
	switch strings.ToLower(c.Strategy) {
	case "", StrategyBlocking, StrategyNonBlocking:
	default:
		return errors.Errorf("unknown strategy %q", c.Strategy)
	}
	if _, err := c.Size(); err != nil {
		return err
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	return nil
}

// Size of the reservation in bytes.
func (c Config) Size() (uintptr, error) {
	if c.ReservationSize == "" {
		return DefaultReservationSize, nil
	}
	n, err := units.RAMInBytes(c.ReservationSize)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid reservation_size %q", c.ReservationSize)
	}
	if n <= 0 {
		return 0, errors.Errorf("invalid reservation_size %q", c.ReservationSize)
	}
	return uintptr(n), nil
}

// Timeout of the blocking wait, zero is forever.
func (c Config) Timeout() (time.Duration, error) {
	if c.WaitTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.WaitTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid wait_timeout %q", c.WaitTimeout)
	}
	if d < 0 {
		return 0, errors.Errorf("invalid wait_timeout %q", c.WaitTimeout)
	}
	return d, nil
}

// NewCoordinator creates the coordinator selected by the config.
func (c Config) NewCoordinator(native Native, opts ...Option) (Coordinator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	size, _ := c.Size()
	timeout, _ := c.Timeout()
	opts = append([]Option{
		WithReservationSize(size),
		WithWaitTimeout(timeout),
		WithDebug(c.Debug),
	}, opts...)
	if strings.ToLower(c.Strategy) == StrategyBlocking {
		return NewBlocking(native, opts...), nil
	}
	return NewNonBlocking(native, opts...), nil
}
