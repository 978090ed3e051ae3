package pages

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/stmkit/internal/format"
)

// Shared selects the shared copy in view operations.
const Shared = -1

type pageBuf = [format.PageSize]byte

type segmentPages struct {
	bits []atomic.Uint64
	priv []*pageBuf
}

// Table tracks and stores the private pages of every segment.
type Table struct {
	base   uint64
	shared []byte
	npages int
	mu     sync.Mutex
	segs   []segmentPages
	pool   sync.Pool
}

// New wraps shared, which backs addresses [base, base+len(shared)).
func New(shared []byte, base uint64, segments int) *Table {
	if len(shared)%format.PageSize != 0 || base%format.PageSize != 0 {
		panic(fmt.Sprintf("pages: unaligned mapping base=%#x len=%d", base, len(shared)))
	}
	npages := len(shared) / format.PageSize
	t := &Table{
		base:   base,
		shared: shared,
		npages: npages,
		segs:   make([]segmentPages, segments),
	}
	for i := range t.segs {
		t.segs[i].bits = make([]atomic.Uint64, (npages+63)/64)
		t.segs[i].priv = make([]*pageBuf, npages)
	}
	t.pool.New = func() any { return new(pageBuf) }
	return t
}

// SharedLocker orders writes to the shared bytes against page copies.
func (t *Table) SharedLocker() sync.Locker { return &t.mu }

// PageOf returns the page index of addr.
func (t *Table) PageOf(addr uint64) int {
	return format.PageOf(t.base, addr)
}

// IsPrivate reports whether page is privatized in seg.
func (t *Table) IsPrivate(seg, page int) bool {
	return t.segs[seg].bits[page>>6].Load()&(1<<(page&63)) != 0
}

func (t *Table) setBit(seg, page int) bool {
	word := &t.segs[seg].bits[page>>6]
	mask := uint64(1) << (page & 63)
	for {
		old := word.Load()
		if old&mask != 0 {
			return false
		}
		if word.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

func (t *Table) clearBit(seg, page int) bool {
	word := &t.segs[seg].bits[page>>6]
	mask := uint64(1) << (page & 63)
	for {
		old := word.Load()
		if old&mask == 0 {
			return false
		}
		if word.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

// Privatize gives seg its own copy of page and reports whether a copy was
// made. Only the segment itself may privatize its pages.
func (t *Table) Privatize(seg, page int) bool {
	if t.IsPrivate(seg, page) {
		return false
	}
	buf := t.pool.Get().(*pageBuf)
	off := page * format.PageSize
	t.mu.Lock()
	copy(buf[:], t.shared[off:off+format.PageSize])
	t.mu.Unlock()
	t.segs[seg].priv[page] = buf
	t.setBit(seg, page)
	return true
}

// PrivatizeRange privatizes every page overlapping [addr, addr+n) and
// returns how many copies were made.
func (t *Table) PrivatizeRange(seg int, addr uint64, n int) int {
	if n <= 0 {
		return 0
	}
	made := 0
	last := t.PageOf(addr + uint64(n) - 1)
	for p := t.PageOf(addr); p <= last; p++ {
		if t.Privatize(seg, p) {
			made++
		}
	}
	return made
}

// ReshareIn drops seg's private copy of page and reports whether it had one.
func (t *Table) ReshareIn(seg, page int) bool {
	if !t.clearBit(seg, page) {
		return false
	}
	buf := t.segs[seg].priv[page]
	t.segs[seg].priv[page] = nil
	t.pool.Put(buf)
	return true
}

// Reshare drops every segment's private copy of page.
func (t *Table) Reshare(page int) int {
	n := 0
	for seg := range t.segs {
		if t.ReshareIn(seg, page) {
			n++
		}
	}
	return n
}

// ReshareAll drops every private copy held by seg.
func (t *Table) ReshareAll(seg int) int {
	n := 0
	for _, p := range t.PrivatePages(seg) {
		if t.ReshareIn(seg, p) {
			n++
		}
	}
	return n
}

// PrivatePages lists the pages privatized in seg in ascending order.
func (t *Table) PrivatePages(seg int) []int {
	var out []int
	for w := range t.segs[seg].bits {
		word := t.segs[seg].bits[w].Load()
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, w*64+b)
			word &= word - 1
		}
	}
	return out
}

// PrivateCount returns the number of pages privatized in seg.
func (t *Table) PrivateCount(seg int) int {
	n := 0
	for w := range t.segs[seg].bits {
		n += bits.OnesCount64(t.segs[seg].bits[w].Load())
	}
	return n
}

// TotalPrivate returns the number of private copies across all segments.
func (t *Table) TotalPrivate() int {
	n := 0
	for seg := range t.segs {
		n += t.PrivateCount(seg)
	}
	return n
}

// span returns the backing bytes of addr's page in seg's view, starting at
// addr and ending at the page boundary.
func (t *Table) span(seg int, addr uint64) []byte {
	p := t.PageOf(addr)
	in := int(addr-t.base) & format.PageMask
	if seg != Shared && t.IsPrivate(seg, p) {
		return t.segs[seg].priv[p][in:]
	}
	off := p * format.PageSize
	return t.shared[off+in : off+format.PageSize]
}

// ReadU64 reads the word at addr (8-byte aligned) in seg's view.
func (t *Table) ReadU64(seg int, addr uint64) uint64 {
	return binary.LittleEndian.Uint64(t.span(seg, addr))
}

// WriteU64 writes the word at addr (8-byte aligned) in seg's view.
func (t *Table) WriteU64(seg int, addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(t.span(seg, addr), v)
}

// ReadU32 reads the 32-bit value at addr (4-byte aligned) in seg's view.
func (t *Table) ReadU32(seg int, addr uint64) uint32 {
	return binary.LittleEndian.Uint32(t.span(seg, addr))
}

// WriteU32 writes the 32-bit value at addr (4-byte aligned) in seg's view.
func (t *Table) WriteU32(seg int, addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(t.span(seg, addr), v)
}

// Read copies len(dst) bytes starting at addr from seg's view.
func (t *Table) Read(seg int, addr uint64, dst []byte) {
	for len(dst) > 0 {
		n := copy(dst, t.span(seg, addr))
		dst = dst[n:]
		addr += uint64(n)
	}
}

// Write copies src into seg's view starting at addr.
func (t *Table) Write(seg int, addr uint64, src []byte) {
	for len(src) > 0 {
		n := copy(t.span(seg, addr), src)
		src = src[n:]
		addr += uint64(n)
	}
}

// Zero clears n bytes starting at addr in seg's view.
func (t *Table) Zero(seg int, addr uint64, n int) {
	for n > 0 {
		s := t.span(seg, addr)
		if len(s) > n {
			s = s[:n]
		}
		clear(s)
		n -= len(s)
		addr += uint64(len(s))
	}
}

// Publish copies [addr, addr+n) from seg's view into the shared copy and
// into every other segment's private copy of the same pages.
func (t *Table) Publish(seg int, addr uint64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n > 0 {
		src := t.span(seg, addr)
		if len(src) > n {
			src = src[:n]
		}
		if seg != Shared {
			copy(t.span(Shared, addr), src)
		}
		p := t.PageOf(addr)
		in := int(addr-t.base) & format.PageMask
		for other := range t.segs {
			if other != seg && t.IsPrivate(other, p) {
				copy(t.segs[other].priv[p][in:], src)
			}
		}
		n -= len(src)
		addr += uint64(len(src))
	}
}

// Broadcast writes src at addr into the shared copy and every private copy.
func (t *Table) Broadcast(addr uint64, src []byte) {
	t.mu.Lock()
	t.Write(Shared, addr, src)
	t.mu.Unlock()
	t.Publish(Shared, addr, len(src))
}
