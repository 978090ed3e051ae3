// Package pages implements copy-on-write page privatization over the shared
// old-space mapping.
//
// Every segment sees old space through a view: pages the segment has
// privatized are read and written in the segment's own copy, all others in
// the shared bytes. Uncommitted writes only ever land in private copies, so
// the shared bytes change only while the world is stopped (Publish) or
// under the shared lock (allocator boundary tags, page copies).
//
// # Thread Safety
//
// The per-segment bitmaps are updated with CAS and may be queried from any
// goroutine. A segment's private copies are touched by the owning segment
// while it runs and by other goroutines only while the world is stopped.
// Reshare, Publish and Broadcast require the world to be stopped.
package pages
