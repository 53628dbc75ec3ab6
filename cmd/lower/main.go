package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/obj"
	"github.com/slowlang/lower/compiler/target"
)

func main() {
	targetsCmd := &cli.Command{
		Name:        "targets",
		Description: "list builtin targets",
		Action:      targetsAct,
		Args:        cli.Args{},
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "print object file contents",
		Action:      dumpAct,
		Args:        cli.Args{},
	}

	linkCmd := &cli.Command{
		Name:        "link",
		Description: "link objects: link <out> <in>...",
		Action:      linkAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "lower",
		Description: "lower is a tool for inspecting and linking lowered objects",
		Commands: []*cli.Command{
			targetsCmd,
			dumpCmd,
			linkCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func builtin() (*target.Set, error) {
	return target.NewSet(target.LR64(), target.LR32())
}

func targetsAct(c *cli.Command) (err error) {
	ts, err := builtin()
	if err != nil {
		return errors.Wrap(err, "load targets")
	}

	for _, d := range ts.List() {
		end := "le"
		if d.BigEndian {
			end = "be"
		}

		fmt.Printf("%-8v id %d  ptr %d  %v  stack align %d\n", d.Name, d.ID, d.PtrBits, end, d.StackAlign)

		for _, name := range abiNames(d) {
			a := d.ABIs[name]
			fmt.Printf("    abi %v: %d gp args, %d gp rets\n", name, len(a.Args[0]), len(a.Rets[0]))
		}

		for cl := ir.GP; cl < ir.NClasses; cl++ {
			if to := d.Class(cl); to != cl {
				fmt.Printf("    class %v crosses switches as %v\n", cl, to)
			}
		}
	}

	return nil
}

// abiNames lists a descriptor's calling conventions in a stable order.
func abiNames(d *target.Descriptor) []string {
	names := make([]string, 0, len(d.ABIs))
	for name := range d.ABIs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func dumpAct(c *cli.Command) (err error) {
	for _, a := range c.Args {
		data, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		o, err := obj.Read(data)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		fmt.Printf("%v: targets %v\n", a, o.Targets)

		for i, s := range o.Sections {
			fmt.Printf("  section %d %v: %d bytes\n", i, s.Name, len(s.Data))
		}
		for _, s := range o.Symbols {
			fmt.Printf("  symbol %v %v: section %d off %#x size %d\n", s.Name, s.Bind, s.Section, s.Off, s.Size)
		}
		for _, r := range o.Relocs {
			fmt.Printf("  reloc %v %v: section %d off %#x addend %d\n", r.Sym, r.Kind, r.Section, r.Off, r.Addend)
		}
		for _, sw := range o.Switches {
			fmt.Printf("  switch %d -> %d: entry %v ret %v, %d mappings\n", sw.From, sw.To, sw.Entry, sw.Ret, len(sw.Maps))
		}
	}

	return nil
}

func linkAct(c *cli.Command) (err error) {
	if len(c.Args) < 2 {
		return errors.New("usage: link <out> <in>...")
	}

	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	mods := make([]*obj.Object, 0, len(c.Args)-1)

	for _, a := range c.Args[1:] {
		data, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		o, err := obj.Read(data)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		mods = append(mods, o)
	}

	res, err := obj.Link(mods...)
	if err != nil {
		return errors.Wrap(err, "link")
	}

	tlog.SpanFromContext(ctx).Printw("linked", "mods", len(mods), "sections", len(res.Sections), "symbols", len(res.Symbols))

	err = os.WriteFile(c.Args[0], res.Append(nil), 0o644)
	if err != nil {
		return errors.Wrap(err, "write %v", c.Args[0])
	}

	return nil
}
