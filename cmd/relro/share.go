//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/ZenLiuCN/relro"
	"github.com/ZenLiuCN/relro/ipc"
	"github.com/ZenLiuCN/relro/native"
	"github.com/ZenLiuCN/relro/pool"
	"github.com/moby/sys/reexec"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// childEntry is the re-exec name of a consumer process. Its arguments are the library,
// the strategy, the wait timeout and the debug switch; the channel is inherited as fd 3.
const childEntry = "relro-share-child"

// defaultChildWait bounds a blocking child when the parent fails before sending its record.
const defaultChildWait = "10s"

func init() {
	reexec.Register(childEntry, child)
}

func config(ctx *cli.Context, library string) (cfg relro.Config, err error) {
	cfg = relro.DefaultConfig("")
	if fp := ctx.String("config"); fp != "" {
		if cfg, err = relro.LoadConfigFile(fp); err != nil {
			return
		}
	}
	if library != "" {
		cfg.Library = library
	}
	if s := ctx.String("strategy"); s != "" {
		cfg.Strategy = s
	}
	cfg.Debug = cfg.Debug || ctx.Bool("debug")
	return cfg, cfg.Validate()
}

// loader of the process, with the pool linking the library when it is a go object.
type loader struct {
	*relro.Loader
	objects *pool.Pool
}

func (l *loader) Close() error {
	err := l.Loader.Close()
	if l.objects != nil {
		if e := l.objects.Close(); err == nil {
			err = e
		}
	}
	return err
}

// newLoader creates the process loader. A go object is linked by a pool without sharing,
// its package OnLoad runs at initialization.
func newLoader(cfg relro.Config, log logrus.FieldLogger, reg prometheus.Registerer) (l *loader, err error) {
	opts := []relro.LoaderOption{
		relro.LoaderLogger(log),
		relro.LoaderMetrics(relro.NewMetrics(reg)),
	}
	l = new(loader)
	if pool.IsObject(cfg.Library) {
		if l.objects, err = pool.NewPool(log, cfg.Debug); err != nil {
			return nil, err
		}
		opts = append(opts, relro.LoaderFallback(l.objects))
		cfg.NoSharing = true
	}
	if l.Loader, err = relro.NewLoader(native.New(cfg.NamedRegion, log), opts...); err != nil {
		if l.objects != nil {
			_ = l.objects.Close()
		}
		return nil, err
	}
	if err = l.Configure(cfg); err != nil {
		_ = l.Close()
		return nil, err
	}
	if l.objects != nil {
		_, pkg := pool.SplitPath(cfg.Library)
		if err = l.OnInitialize(l.objects.Initializer(pkg)); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	return l, nil
}

func share(ctx *cli.Context) (err error) {
	if ctx.NArg() != 1 {
		return errors.New("expect exactly one library")
	}
	cfg, err := config(ctx, ctx.Args().First())
	if err != nil {
		return
	}
	log := logrus.WithField("pid", os.Getpid())
	reg := prometheus.NewRegistry()
	l, err := newLoader(cfg, log, reg)
	if err != nil {
		return
	}
	defer func() { _ = l.Close() }()
	m, err := l.Mediator()
	if err != nil {
		return
	}
	m.InitializeAsMain()

	n := ctx.Int("children")
	channels := make([]*ipc.Channel, 0, n)
	var g errgroup.Group
	defer func() {
		for _, ch := range channels {
			_ = ch.Close()
		}
	}()
	for i := 0; i < n; i++ {
		parent, c, err := ipc.Pair()
		if err != nil {
			return err
		}
		cmd := reexec.Command(childEntry, cfg.Library, cfg.Strategy, cfg.WaitTimeout, strconv.FormatBool(cfg.Debug))
		cmd.ExtraFiles = []*os.File{c.File()}
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		err = cmd.Start()
		_ = c.Close()
		if err != nil {
			_ = parent.Close()
			return errors.Wrap(err, "start child")
		}
		channels = append(channels, parent)
		g.Go(func() error { return wait(cmd) })
	}
	for _, ch := range channels {
		if err = m.SendLoadAddress(ch); err != nil {
			log.WithError(err).Warn("children will load without a hint")
		}
	}
	if err = l.EnsureLoaded(); err != nil {
		return
	}
	for _, ch := range channels {
		if err = m.SendRelroRecord(ch); err != nil {
			log.WithError(err).Warn("child will keep a private relro")
		}
	}
	// children still waiting for a record see the channel closed
	for _, ch := range channels {
		_ = ch.Close()
	}
	channels = nil
	if err = l.EnsureInitialized(); err != nil {
		return
	}
	if err = g.Wait(); err != nil {
		return
	}
	report(log, m, reg)
	return nil
}

func wait(cmd *exec.Cmd) error {
	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "child %d", cmd.Process.Pid)
	}
	return nil
}

func child() {
	if err := consume(os.Args[1:]); err != nil {
		logrus.WithField("pid", os.Getpid()).WithError(err).Error("child failed")
		os.Exit(1)
	}
}

func consume(args []string) (err error) {
	if len(args) != 4 {
		return errors.Errorf("unexpected child arguments %v", args)
	}
	cfg := relro.DefaultConfig(args[0])
	cfg.Strategy = args[1]
	cfg.WaitTimeout = args[2]
	if cfg.WaitTimeout == "" {
		cfg.WaitTimeout = defaultChildWait
	}
	cfg.Debug, _ = strconv.ParseBool(args[3])
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("pid", os.Getpid())
	ch := ipc.FromFile(os.NewFile(3, "relro"))
	defer func() { _ = ch.Close() }()
	reg := prometheus.NewRegistry()
	l, err := newLoader(cfg, log, reg)
	if err != nil {
		return
	}
	defer func() { _ = l.Close() }()
	m, err := l.Mediator()
	if err != nil {
		return
	}
	if err = m.ReceiveLoadAddress(ch); err != nil {
		log.WithError(err).Warn("no load address received")
		m.InitializeAsChild(0)
	}
	// a blocking coordinator parks inside the load until the record is received
	var g errgroup.Group
	g.Go(func() error {
		if err := m.ReceiveRelroRecord(ch); err != nil {
			log.WithError(err).Warn("keeping a private relro")
		}
		return nil
	})
	g.Go(l.EnsureInitialized)
	if err = g.Wait(); err != nil {
		return
	}
	report(log, m, reg)
	return
}

func report(log logrus.FieldLogger, m *relro.Mediator, reg *prometheus.Registry) {
	local := m.Coordinator().Local()
	f := logrus.Fields{
		"role":  m.Role(),
		"state": m.Coordinator().State(),
		"load":  local.Region(),
		"relro": local.Relro(),
	}
	if r, ok := m.Coordinator().(interface{ Replaced() bool }); ok {
		f["shared"] = r.Replaced()
	}
	mfs, err := reg.Gather()
	if err != nil {
		log.WithError(err).Warn("gather metrics")
	}
	for _, mf := range mfs {
		if mf.GetName() != "relro_sharing_total" {
			continue
		}
		for _, mt := range mf.GetMetric() {
			for _, lp := range mt.GetLabel() {
				f[fmt.Sprintf("sharing.%s", lp.GetValue())] = mt.GetCounter().GetValue()
			}
		}
	}
	log.WithFields(f).Info("done")
}
