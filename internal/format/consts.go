// Package format holds the low-level layout of the transactional heap: the
// address-space constants, the object header, and the little-endian helpers
// used to read and write it. Higher-level packages orchestrate these raw
// bytes; nothing here knows about segments or transactions.
package format

const (
	// PageSize is the unit of privatization. Every segment either shares a
	// page with the others or owns a private copy of it.
	PageSize = 4096

	// PageMask is the bitmask used for aligning to page boundaries (PageSize - 1).
	PageMask = PageSize - 1

	// Granule is the object alignment and the resolution of the write-lock
	// and read-marker tables: one table byte describes Granule heap bytes.
	Granule = 16

	// GranuleShift is log2(Granule).
	GranuleShift = 4

	// GranuleMask is the bitmask used for aligning to granule boundaries (Granule - 1).
	GranuleMask = Granule - 1

	// NurseryStart is the first nursery address. Page 0 stays unmapped so
	// that the zero Ref is never a valid object.
	NurseryStart = PageSize
)

// Object header layout. Every object, young or old, starts with it.
//
//	0x00  flags     uint32
//	0x04  overflow  uint32  (transaction overflow number, Overflow flag only)
//	0x08  word      uint64  (host type id, or forwarding address once Moved)
const (
	HeaderSize     = 16
	FlagsOffset    = 0x00
	OverflowOffset = 0x04
	WordOffset     = 0x08
)

// Header flags.
const (
	// FlagWriteBarrier marks a committed old object: the next store must go
	// through the write-barrier slow path.
	FlagWriteBarrier uint32 = 1 << iota

	// FlagOverflow marks an object allocated outside the nursery by a
	// transaction that has not committed yet.
	FlagOverflow

	// FlagCardsSet marks an old object that has at least one marked card.
	FlagCardsSet

	// FlagMoved marks a nursery object already copied to old space; the
	// header word then holds the new address.
	FlagMoved

	// FlagPrebuilt marks objects allocated outside transactions. They are
	// permanent roots of the major collection.
	FlagPrebuilt
)
