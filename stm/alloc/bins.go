package alloc

import "sort"

// NumBins is the number of size-class bins.
const NumBins = 84

// binIndex maps a chunk data size to its bin. Bins are 64 bytes wide below
// 3 KiB, then 512 bytes, 4 KiB, 32 KiB and 256 KiB wide; bin 83 holds the rest.
func binIndex(sz int64) int {
	switch {
	case sz < 48<<6:
		return int(sz >> 6)
	case sz < 24<<9:
		return 42 + int(sz>>9)
	case sz < 12<<12:
		return 63 + int(sz>>12)
	case sz < 6<<15:
		return 74 + int(sz>>15)
	case sz < 3<<18:
		return 80 + int(sz>>18)
	default:
		return NumBins - 1
	}
}

// freeChunk is the Go-side node of a free chunk.
type freeChunk struct {
	off        int64 // chunk (tag) offset
	size       int64 // data size
	bin        int
	prev, next *freeChunk
}

// bin is a circular doubly linked list with a sentinel.
type bin struct {
	head   freeChunk
	count  int
	sorted bool
}

func (b *bin) init() {
	b.head.next = &b.head
	b.head.prev = &b.head
	b.sorted = true
}

func (b *bin) empty() bool { return b.count == 0 }

// pushFront inserts c unsorted.
func (b *bin) pushFront(c *freeChunk) {
	c.prev = &b.head
	c.next = b.head.next
	b.head.next.prev = c
	b.head.next = c
	b.count++
	if b.count > 1 {
		b.sorted = false
	}
}

func (b *bin) remove(c *freeChunk) {
	c.prev.next = c.next
	c.next.prev = c.prev
	c.prev, c.next = nil, nil
	b.count--
	if b.count <= 1 {
		b.sorted = true
	}
}

// sort orders the bin by ascending size, then offset.
func (b *bin) sort() {
	if b.sorted {
		return
	}
	nodes := make([]*freeChunk, 0, b.count)
	for c := b.head.next; c != &b.head; c = c.next {
		nodes = append(nodes, c)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].size != nodes[j].size {
			return nodes[i].size < nodes[j].size
		}
		return nodes[i].off < nodes[j].off
	})
	prev := &b.head
	for _, c := range nodes {
		prev.next = c
		c.prev = prev
		prev = c
	}
	prev.next = &b.head
	b.head.prev = prev
	b.sorted = true
}

// firstFit returns the smallest chunk of at least n data bytes.
func (b *bin) firstFit(n int64) *freeChunk {
	b.sort()
	for c := b.head.next; c != &b.head; c = c.next {
		if c.size >= n {
			return c
		}
	}
	return nil
}
