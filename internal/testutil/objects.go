package testutil

import "github.com/joshuapare/stmkit/stm"

// NewNode allocates a node holding value with a nil next pointer.
func NewNode(tx *stm.Tx, value uint64) (stm.Ref, error) {
	ref, err := tx.Allocate(NodeSize, TypeNode)
	if err != nil {
		return stm.Nil, err
	}
	if err := tx.StoreU64(ref, NodeValue, value); err != nil {
		return stm.Nil, err
	}
	return ref, nil
}

// NewRefArray allocates an array of n nil references.
func NewRefArray(tx *stm.Tx, n int) (stm.Ref, error) {
	ref, err := tx.Allocate(ArrayItems+8*n, TypeRefArray)
	if err != nil {
		return stm.Nil, err
	}
	if err := tx.StoreU64(ref, ArrayLen, uint64(n)); err != nil {
		return stm.Nil, err
	}
	return ref, nil
}

// NewBlob allocates a blob holding a copy of data.
func NewBlob(tx *stm.Tx, data []byte) (stm.Ref, error) {
	ref, err := tx.Allocate(BlobData+len(data), TypeBlob)
	if err != nil {
		return stm.Nil, err
	}
	if err := tx.StoreU64(ref, BlobLen, uint64(len(data))); err != nil {
		return stm.Nil, err
	}
	if len(data) > 0 {
		if err := tx.StoreBytes(ref, BlobData, data); err != nil {
			return stm.Nil, err
		}
	}
	return ref, nil
}

// NodeValueOf reads the value of a node.
func NodeValueOf(tx *stm.Tx, node stm.Ref) (uint64, error) {
	return tx.LoadU64(node, NodeValue)
}

// ListValues follows next pointers from head and collects the values.
func ListValues(tx *stm.Tx, head stm.Ref) ([]uint64, error) {
	var out []uint64
	for n := head; n != stm.Nil; {
		v, err := tx.LoadU64(n, NodeValue)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if n, err = tx.LoadRef(n, NodeNext); err != nil {
			return nil, err
		}
	}
	return out, nil
}
