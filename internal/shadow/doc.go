// Package shadow implements the heap-wide side tables of the transactional
// runtime: the write-lock table, the per-segment read-marker tables and the
// mark bits of the major collection.
//
// # Write locks
//
// One byte per 16-byte granule records which segment (number + 1) holds the
// object starting at that granule in its modified list. Four lock bytes are
// packed into one atomic.Uint32 so a single byte can be claimed with a CAS
// on the containing word.
//
// # Read markers
//
// One byte per granule per segment stores the read version of the owning
// segment's transaction at the time it last read the object. A marker equal
// to the segment's current version means "read by the running transaction".
//
// # Thread Safety
//
// Lock operations are lock-free and safe for concurrent use. Read markers
// are written only by the owning segment while it runs and read by other
// segments only while the world is stopped. Mark bits are used exclusively
// by the major collection, which runs with the world stopped.
package shadow
