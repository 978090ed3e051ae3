package testutil

import "github.com/joshuapare/stmkit/stm"

// SmallOptions returns options sized for tests: small nurseries so minor
// collections happen often, and a few MiB of old space.
func SmallOptions() *stm.Options {
	opts := stm.DefaultOptions()
	opts.NurserySize = 16 << 10
	opts.OldSpaceSize = 8 << 20
	opts.InitialArena = 256 << 10
	opts.LargeObjectSize = 4 << 10
	opts.CardThreshold = 512
	opts.CardItems = 8
	opts.MajorMinThreshold = 1 << 20
	return opts
}
