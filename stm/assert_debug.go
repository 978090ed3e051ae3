//go:build stmdebug

package stm

// assertCommittedLocked runs the full invariant check before a commit
// publishes. Requires the world stopped.
func (r *Runtime) assertCommittedLocked(*segment) {
	if err := r.checkLocked(); err != nil {
		r.fatal("commit", err)
	}
}
