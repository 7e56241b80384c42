//go:build linux

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ZenLiuCN/relro/native"
	"github.com/ZenLiuCN/relro/pool"
	"github.com/davecgh/go-spew/spew"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func maps(ctx *cli.Context) (err error) {
	if s := ctx.String("reserve"); s != "" {
		var n int64
		if n, err = units.RAMInBytes(s); err != nil {
			return errors.Wrap(err, "reserve")
		}
		r, err := native.New(ctx.String("name"), logrus.StandardLogger()).ReserveNamed(uintptr(n))
		if err != nil {
			return err
		}
		logrus.WithField("region", r).Info("reserved")
	}
	ms, err := native.Mappings(ctx.Int("pid"))
	if err != nil {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 1, ' ', 0)
	defer func() { _ = w.Flush() }()
	filter := ctx.String("filter")
	for _, m := range ms {
		if filter != "" && !strings.Contains(m.Path, filter) {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Region, m.Perms, units.BytesSize(float64(m.Size)), m.Path)
	}
	return
}

func inspect(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return errors.New("missing library list")
	}
	page := uint64(os.Getpagesize())
	for _, s := range ctx.Args().Slice() {
		var l *native.Layout
		if l, err = native.Inspect(s, page); err != nil {
			return
		}
		if ctx.Bool("debug") {
			spew.Dump(l)
		}
		fmt.Printf("%s\n\tmachine %s\n\tspan %s\n\tsegments %d\n", l.Path, l.Machine,
			units.BytesSize(float64(l.Span())), len(l.Segments))
		if l.HasRelro() {
			fmt.Printf("\trelro +%#x %s\n", l.Relro[0], units.BytesSize(float64(l.Relro[1]-l.Relro[0])))
		} else {
			fmt.Printf("\tno relro\n")
		}
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var syms []string
		if syms, err = pool.Inspect(s, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Printf("%s\n\t%s\n", s, strings.Join(syms, "\n\t"))
	}
	return
}
