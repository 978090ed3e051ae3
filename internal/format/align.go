package format

// Alignment utilities for the transactional heap.

// Align16 returns n aligned up to the next granule boundary.
//
// Example:
//
//	Align16(1)  = 16
//	Align16(16) = 16
//	Align16(17) = 32
func Align16(n int) int {
	return (n + GranuleMask) & ^GranuleMask
}

// AlignPage returns n aligned up to the next 4KB boundary.
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n int) int {
	return (n + PageMask) & ^PageMask
}

// PageOf returns the page index that contains addr, relative to base.
func PageOf(base, addr uint64) int {
	return int((addr - base) / PageSize)
}
