// Package dirty tracks the old-space byte ranges a transaction has written.
//
// # Overview
//
// Every write barrier that takes ownership of an old object records the
// object's byte range here. At commit and abort the runtime asks the tracker
// for the page-aligned, coalesced set of ranges to decide which privatized
// pages must be reshared, and the invariant checker uses it to verify that a
// page is private to a segment exactly when that segment wrote to it.
//
// # Usage
//
//	tracker := dirty.NewTracker(base)
//	tracker.Add(obj, size)
//	for _, p := range tracker.Pages() {
//	    // p is a page index relative to base
//	}
//	tracker.Reset()
//
// # Range Coalescing
//
// Ranges are appended unsorted and merged lazily:
//
//	Written pages: [0, 1, 2, 5, 6] → Ranges: [0x0-0x3000, 0x5000-0x7000]
//
// # Thread Safety
//
// A Tracker belongs to one segment and is not safe for concurrent use. Other
// segments only read it while the world is stopped.
package dirty
