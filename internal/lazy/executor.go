package lazy

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of evaluating one unit.
type Result struct {
	Block *Block
	Err   error
}

// Executor evaluates units. Results are returned in the order of units, and
// a failing unit never prevents its siblings from being evaluated.
type Executor interface {
	Evaluate(ctx context.Context, units []*Unit) []Result
}

// Sequential evaluates units one after another on the calling goroutine.
type Sequential struct{}

func (Sequential) Evaluate(ctx context.Context, units []*Unit) []Result {
	results := make([]Result, len(units))
	for i, u := range units {
		b, err := u.Eval(ctx)
		results[i] = Result{Block: b, Err: err}
	}
	return results
}

// Pool evaluates units on at most Workers goroutines.
type Pool struct {
	Workers int
}

func (p Pool) Evaluate(ctx context.Context, units []*Unit) []Result {
	results := make([]Result, len(units))
	if len(units) == 1 {
		b, err := units[0].Eval(ctx)
		results[0] = Result{Block: b, Err: err}
		return results
	}

	var g errgroup.Group
	if p.Workers > 0 {
		g.SetLimit(p.Workers)
	}
	for i, u := range units {
		g.Go(func() error {
			b, err := u.Eval(ctx)
			results[i] = Result{Block: b, Err: err}
			// Unit errors stay in results so siblings keep running.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
