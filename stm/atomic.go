package stm

import (
	"context"
	"errors"

	retry "github.com/sethvargo/go-retry"
)

// Atomic runs fn in a transaction on tl and commits it, retrying aborted
// attempts with capped exponential backoff until one commits, ctx ends or
// Options.MaxRetries is exhausted.
//
// fn may commit or abort tx itself. A non-abort error from fn rolls the
// attempt back and is returned as is; a panic rolls it back and propagates.
func (r *Runtime) Atomic(ctx context.Context, tl *ThreadLocal, fn func(tx *Tx) error) error {
	b := retry.NewExponential(r.opts.RetryBase)
	b = retry.WithCappedDuration(r.opts.RetryCap, b)
	b = retry.WithJitterPercent(10, b)
	if r.opts.MaxRetries > 0 {
		b = retry.WithMaxRetries(uint64(r.opts.MaxRetries), b)
	}

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		tx, err := r.start(ctx, tl, attempt)
		if err != nil {
			return err
		}
		attempt++
		err = tx.run(fn)
		var ae *AbortError
		if errors.As(err, &ae) && ae.Kind != AbortCanceled {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (tx *Tx) run(fn func(tx *Tx) error) error {
	defer func() {
		if p := recover(); p != nil {
			if tx.state != txNone {
				_ = tx.Abort()
			}
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if tx.state != txNone {
			_ = tx.Abort()
		}
		return err
	}
	if tx.state == txNone {
		return nil
	}
	return tx.Commit()
}
