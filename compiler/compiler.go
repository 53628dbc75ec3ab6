package compiler

import (
	"context"
	"runtime"
	"sync"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/slowlang/lower/compiler/ir"
	"github.com/slowlang/lower/compiler/lower"
	"github.com/slowlang/lower/compiler/obj"
	"github.com/slowlang/lower/compiler/target"
)

type (
	Options struct {
		// Target is the unit default, for functions that do not name
		// their own.
		Target string

		// Workers caps lowering parallelism. Zero means GOMAXPROCS.
		Workers int
	}
)

// LowerUnit validates the unit and lowers every function, possibly in
// parallel. The output is merged in input order and does not depend
// on the worker count. Any failing function aborts the whole unit, no
// partial object is ever returned.
func LowerUnit(ctx context.Context, ts *target.Set, u *ir.Unit, opt Options) (_ *obj.Object, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "lower unit", "path", u.Path, "funcs", len(u.Funcs))
	defer tr.Finish("err", &err)

	err = u.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	// resolve every function's target before spawning anything,
	// configuration problems are fatal up front
	ds := make([]*target.Descriptor, len(u.Funcs))

	for i, f := range u.Funcs {
		name := f.Target
		if name == "" {
			name = opt.Target
		}

		ds[i], err = ts.Get(name)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	workers := opt.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(u.Funcs) {
		workers = len(u.Funcs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ferr error
	)

	res := make([]*obj.Object, len(u.Funcs))
	jobs := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}

				o, e := lower.Func(ctx, ts, ds[i], u.Funcs[i])
				if e != nil {
					mu.Lock()
					if ferr == nil {
						ferr = errors.Wrap(e, "func %v", u.Funcs[i].Name)
					}
					mu.Unlock()

					cancel()

					continue
				}

				res[i] = o
			}
		}()
	}

	for i := range u.Funcs {
		tr.V("jobs").Printw("job queued", "i", i, "name", u.Funcs[i].Name, "from", loc.Caller(0))

		jobs <- i
	}

	close(jobs)
	wg.Wait()

	if ferr != nil {
		return nil, ferr
	}
	if err = ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "canceled")
	}

	tr.V("merge").Printw("merge results", "parts", len(res))

	return obj.Merge(res...), nil
}
