package stm

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuapare/stmkit/internal/format"
)

// Options configures a Runtime.
type Options struct {
	// Segments is the number of transactions that may run at once.
	// Default: 4
	Segments int

	// NurserySize is the size of each segment's young generation.
	// Rounded up to a page. Default: 1 MiB
	NurserySize int

	// OldSpaceSize is the address space reserved for old objects. The
	// reservation is never extended; running out of it is fatal.
	// Default: 64 MiB
	OldSpaceSize int64

	// InitialArena is how much of OldSpaceSize the large-object allocator
	// manages at start. The arena doubles on demand.
	// Default: 4 MiB
	InitialArena int64

	// LargeObjectSize is the largest allocation served by the nursery.
	// Bigger objects go straight to old space.
	// Default: 16 KiB
	LargeObjectSize int

	// CardThreshold is the minimum object size for card marking.
	// Default: 4 KiB
	CardThreshold int

	// CardItems is the number of items covered by one card.
	// Default: 32
	CardItems int

	// MajorMinThreshold is the lower bound of the old-space volume that
	// triggers a major collection.
	// Default: 8 MiB
	MajorMinThreshold int64

	// MajorGrowth scales the live volume after a major collection into the
	// next trigger.
	// Default: 1.82
	MajorGrowth float64

	// ContentionWait bounds how long a committing transaction pauses for an
	// older reader before giving up and aborting.
	// Default: 20ms
	ContentionWait time.Duration

	// Policy arbitrates conflicts.
	// Default: PauseIfYounger
	Policy Policy

	// Logger receives runtime events. Default: discard.
	Logger *slog.Logger

	// Registerer receives the runtime metrics when non-nil.
	Registerer prometheus.Registerer

	// RetryBase, RetryCap and MaxRetries shape the backoff of Atomic.
	// MaxRetries of 0 retries until the context ends.
	// Default: 50µs, 10ms, 0
	RetryBase  time.Duration
	RetryCap   time.Duration
	MaxRetries int
}

// DefaultOptions returns the options used when New is given nil.
func DefaultOptions() *Options {
	return &Options{
		Segments:          4,
		NurserySize:       1 << 20,
		OldSpaceSize:      64 << 20,
		InitialArena:      4 << 20,
		LargeObjectSize:   16 << 10,
		CardThreshold:     4 << 10,
		CardItems:         32,
		MajorMinThreshold: 8 << 20,
		MajorGrowth:       1.82,
		ContentionWait:    20 * time.Millisecond,
		Policy:            PauseIfYounger{},
		RetryBase:         50 * time.Microsecond,
		RetryCap:          10 * time.Millisecond,
	}
}

func (o *Options) validate() error {
	switch {
	case o.Segments < 1 || o.Segments > 254:
		return fmt.Errorf("stm: Segments must be in [1, 254], got %d", o.Segments)
	case o.NurserySize < format.PageSize:
		return fmt.Errorf("stm: NurserySize %d below one page", o.NurserySize)
	case o.OldSpaceSize < format.PageSize || o.OldSpaceSize%format.PageSize != 0:
		return fmt.Errorf("stm: OldSpaceSize %d must be a positive multiple of %d", o.OldSpaceSize, format.PageSize)
	case o.InitialArena < format.PageSize || o.InitialArena > o.OldSpaceSize || o.InitialArena%format.PageSize != 0:
		return fmt.Errorf("stm: InitialArena %d must be a page multiple within OldSpaceSize", o.InitialArena)
	case o.LargeObjectSize < format.HeaderSize || o.LargeObjectSize > o.NurserySize:
		return fmt.Errorf("stm: LargeObjectSize %d must fit the nursery", o.LargeObjectSize)
	case o.CardItems < 1:
		return fmt.Errorf("stm: CardItems must be positive, got %d", o.CardItems)
	case o.MajorGrowth < 1:
		return fmt.Errorf("stm: MajorGrowth must be at least 1, got %g", o.MajorGrowth)
	}
	return nil
}

// withDefaults fills zero fields that have a non-zero default.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Policy == nil {
		o.Policy = def.Policy
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.RetryBase <= 0 {
		o.RetryBase = def.RetryBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = def.RetryCap
	}
	if o.ContentionWait <= 0 {
		o.ContentionWait = def.ContentionWait
	}
	o.NurserySize = format.AlignPage(o.NurserySize)
	return o
}
