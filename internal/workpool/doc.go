// Package workpool runs independent per-item work with a bounded number of
// concurrent workers.
//
// Items never return errors to the pool: each worker reports its own outcome,
// so one failed item cannot cancel its siblings. Only cancellation of the
// parent context stops the pool, in which case Run reports ctx.Err().
package workpool
