package stm

import "github.com/joshuapare/stmkit/internal/format"

// Typed accessors. Offsets are relative to the object start; the header
// occupies [0, HeaderSize). Each accessor is a safe point and runs the
// matching barrier, so callers never touch heap bytes directly.

func (tx *Tx) checkField(obj Ref, off, n int) error {
	if off < HeaderSize || off%n != 0 {
		return ErrInvalidRef
	}
	return tx.checkRange(obj, off, n)
}

// checkRange reports whether [off, off+n) lies inside obj. The comparison
// is arranged so that no sum can overflow.
func (tx *Tx) checkRange(obj Ref, off, n int) error {
	size := tx.rt.sizeOf(tx.seg.num, obj)
	if n < 0 || n > size || off > size-n {
		return ErrInvalidRef
	}
	return nil
}

func (tx *Tx) loadPrologue(obj Ref, off, n int) error {
	if err := tx.readBarrier(obj); err != nil {
		return err
	}
	return tx.checkField(obj, off, n)
}

func (tx *Tx) storePrologue(obj Ref, off, n int) error {
	if err := tx.rt.checkRef(obj); err != nil {
		return err
	}
	if err := tx.checkField(obj, off, n); err != nil {
		return err
	}
	return tx.writeBarrier(obj)
}

// LoadU64 reads the word at off of obj.
func (tx *Tx) LoadU64(obj Ref, off int) (uint64, error) {
	if err := tx.enter(); err != nil {
		return 0, err
	}
	defer tx.exit()
	if err := tx.loadPrologue(obj, off, 8); err != nil {
		return 0, err
	}
	return tx.rt.loadU64(tx.seg.num, uint64(obj)+uint64(off)), nil
}

// StoreU64 writes the word at off of obj.
func (tx *Tx) StoreU64(obj Ref, off int, v uint64) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	if err := tx.storePrologue(obj, off, 8); err != nil {
		return err
	}
	tx.rt.storeU64(tx.seg.num, uint64(obj)+uint64(off), v)
	return nil
}

// LoadU32 reads the 32-bit value at off of obj.
func (tx *Tx) LoadU32(obj Ref, off int) (uint32, error) {
	if err := tx.enter(); err != nil {
		return 0, err
	}
	defer tx.exit()
	if err := tx.loadPrologue(obj, off, 4); err != nil {
		return 0, err
	}
	return tx.rt.loadU32(tx.seg.num, uint64(obj)+uint64(off)), nil
}

// StoreU32 writes the 32-bit value at off of obj.
func (tx *Tx) StoreU32(obj Ref, off int, v uint32) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	if err := tx.storePrologue(obj, off, 4); err != nil {
		return err
	}
	tx.rt.storeU32(tx.seg.num, uint64(obj)+uint64(off), v)
	return nil
}

// LoadRef reads the reference at off of obj.
func (tx *Tx) LoadRef(obj Ref, off int) (Ref, error) {
	v, err := tx.LoadU64(obj, off)
	return Ref(v), err
}

// StoreRef writes the reference at off of obj. The host must report off
// from Trace for the collectors to see the reference.
func (tx *Tx) StoreRef(obj Ref, off int, ref Ref) error {
	if ref != Nil {
		if err := tx.rt.checkRef(ref); err != nil {
			return err
		}
	}
	return tx.StoreU64(obj, off, uint64(ref))
}

// itemOffset returns the offset of item index of a card-layout object.
func (tx *Tx) itemOffset(obj Ref, index int) (int, error) {
	r := tx.rt
	if err := r.checkRef(obj); err != nil {
		return 0, err
	}
	base, stride, ok := r.host.CardLayout(r.objectView(tx.seg.num, obj))
	if !ok || index < 0 || stride <= 0 {
		return 0, ErrInvalidRef
	}
	if index > (r.sizeOf(tx.seg.num, obj)-base)/stride {
		return 0, ErrInvalidRef
	}
	off := base + index*stride
	if err := tx.checkField(obj, off, 8); err != nil {
		return 0, err
	}
	return off, nil
}

// LoadRefItem reads the reference held by item index of an array-like
// object.
func (tx *Tx) LoadRefItem(obj Ref, index int) (Ref, error) {
	if err := tx.enter(); err != nil {
		return Nil, err
	}
	defer tx.exit()
	if err := tx.readBarrier(obj); err != nil {
		return Nil, err
	}
	off, err := tx.itemOffset(obj, index)
	if err != nil {
		return Nil, err
	}
	return Ref(tx.rt.loadU64(tx.seg.num, uint64(obj)+uint64(off))), nil
}

// StoreRefItem writes item index of an array-like object through the card
// barrier.
func (tx *Tx) StoreRefItem(obj Ref, index int, ref Ref) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	if ref != Nil {
		if err := tx.rt.checkRef(ref); err != nil {
			return err
		}
	}
	off, err := tx.itemOffset(obj, index)
	if err != nil {
		return err
	}
	if err := tx.writeBarrierCard(obj, index); err != nil {
		return err
	}
	tx.rt.storeU64(tx.seg.num, uint64(obj)+uint64(off), uint64(ref))
	return nil
}

// LoadBytes copies len(dst) payload bytes starting at off of obj.
func (tx *Tx) LoadBytes(obj Ref, off int, dst []byte) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	if err := tx.loadPrologue(obj, off, 1); err != nil {
		return err
	}
	if err := tx.checkRange(obj, off, len(dst)); err != nil {
		return err
	}
	tx.rt.loadBytes(tx.seg.num, uint64(obj)+uint64(off), dst)
	return nil
}

// StoreBytes copies src into obj starting at off. The range must not hold
// references.
func (tx *Tx) StoreBytes(obj Ref, off int, src []byte) error {
	if err := tx.enter(); err != nil {
		return err
	}
	defer tx.exit()
	if err := tx.storePrologue(obj, off, 1); err != nil {
		return err
	}
	if err := tx.checkRange(obj, off, len(src)); err != nil {
		return err
	}
	tx.rt.storeBytes(tx.seg.num, uint64(obj)+uint64(off), src)
	return nil
}

// View returns a read-only view of obj in the transaction's segment after
// running the read barrier. The view is valid until the next safe point.
func (tx *Tx) View(obj Ref) (ObjectView, error) {
	if err := tx.enter(); err != nil {
		return ObjectView{}, err
	}
	defer tx.exit()
	if err := tx.readBarrier(obj); err != nil {
		return ObjectView{}, err
	}
	return tx.rt.objectView(tx.seg.num, obj), nil
}

// TypeID returns the host type id of obj.
func (tx *Tx) TypeID(obj Ref) (uint32, error) {
	if err := tx.enter(); err != nil {
		return 0, err
	}
	defer tx.exit()
	if err := tx.readBarrier(obj); err != nil {
		return 0, err
	}
	return uint32(tx.rt.loadU64(tx.seg.num, uint64(obj)+format.WordOffset)), nil
}
