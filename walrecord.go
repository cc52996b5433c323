package objdb

import (
	"encoding/binary"
)

// writeSet is the buffered mutation a Context accumulates over the course
// of a transaction and flushes in one shot at prepare time: the ids to
// delete, the (possibly new) object payloads to write, and the name
// bindings to add or remove. It is also the payload of one write-ahead
// journal record, so that durable logging and replay is a
// real property of this store rather than just bbolt's own durability.
type writeSet struct {
	removed  []ObjectID
	objects  map[ObjectID][]byte
	bindings map[string]*ObjectID // nil value means "remove this binding"
}

func (ws *writeSet) empty() bool {
	return len(ws.removed) == 0 && len(ws.objects) == 0 && len(ws.bindings) == 0
}

func encodeWriteSet(ws *writeSet) []byte {
	var bb bytesBuilder

	bb.AppendUvarint(uint64(len(ws.removed)))
	for _, id := range ws.removed {
		bb.AppendFixedUint64(uint64(id))
	}

	bb.AppendUvarint(uint64(len(ws.objects)))
	for id, payload := range ws.objects {
		bb.AppendFixedUint64(uint64(id))
		bb.Buf = appendVarbytes(bb.Buf, payload)
	}

	bb.AppendUvarint(uint64(len(ws.bindings)))
	for name, idPtr := range ws.bindings {
		bb.Buf = appendVarbytes(bb.Buf, []byte(name))
		if idPtr == nil {
			bb.AppendByte(1)
		} else {
			bb.AppendByte(0)
			bb.AppendFixedUint64(uint64(*idPtr))
		}
	}

	return bb.Buf
}

func decodeWriteSet(data []byte) (*writeSet, error) {
	d := makeByteDecoder(data)
	ws := &writeSet{
		objects:  make(map[ObjectID][]byte),
		bindings: make(map[string]*ObjectID),
	}

	removedN, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	for i := 0; i < removedN; i++ {
		raw, err := d.Raw(8)
		if err != nil {
			return nil, err
		}
		ws.removed = append(ws.removed, ObjectID(binary.BigEndian.Uint64(raw)))
	}

	objN, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	for i := 0; i < objN; i++ {
		raw, err := d.Raw(8)
		if err != nil {
			return nil, err
		}
		payload, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		ws.objects[ObjectID(binary.BigEndian.Uint64(raw))] = append([]byte(nil), payload...)
	}

	bindN, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	for i := 0; i < bindN; i++ {
		nameBytes, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		flag, err := d.Raw(1)
		if err != nil {
			return nil, err
		}
		name := string(nameBytes)
		if flag[0] == 1 {
			ws.bindings[name] = nil
			continue
		}
		raw, err := d.Raw(8)
		if err != nil {
			return nil, err
		}
		id := ObjectID(binary.BigEndian.Uint64(raw))
		ws.bindings[name] = &id
	}

	return ws, nil
}

// applyWriteSet stages ws into tx, which the caller commits. Used both by
// the normal prepare path and by [Store.ReplayWriteSet], so that replaying
// a recovered write set and originally applying it go through identical
// code.
func (st *Store) applyWriteSet(tx storageTx, ws *writeSet) error {
	for _, id := range ws.removed {
		if err := st.deleteObject(tx, id); err != nil {
			return err
		}
	}
	for id, payload := range ws.objects {
		if err := st.writeObject(tx, id, payload); err != nil {
			return err
		}
	}
	for name, idPtr := range ws.bindings {
		if idPtr == nil {
			if err := st.deleteBinding(tx, name); err != nil {
				return err
			}
		} else if err := st.writeBinding(tx, name, *idPtr); err != nil {
			return err
		}
	}
	return nil
}
