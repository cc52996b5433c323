package objdb

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Reference is the serializable handle application code holds instead of a
// direct pointer to a managed object. It carries only the object's id; the
// context it resolves against is bound lazily, either at creation time or
// when a decoded object graph is walked and its Reference fields are bound
// to the transaction that produced them (see [Context.bindReferences]).
//
// A Reference is only valid for the lifetime of the [Context] (and so the
// transaction) it is bound to; using one after its transaction has ended
// returns a transaction-not-active error.
type Reference struct {
	id  ObjectID
	ctx *Context
}

// ID returns the object id this reference points to.
func (r *Reference) ID() ObjectID {
	if r == nil {
		return 0
	}
	return r.id
}

// Equal reports whether r and other refer to the same object.
func (r *Reference) Equal(other *Reference) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.id == other.id
}

// Get resolves ref for reading. T must match the class the object was
// stored as, or a type-mismatch error is returned. The returned pointer is
// the same instance for every Get/GetForUpdate call on an equivalent
// Reference within one transaction; it is only valid for that transaction's
// lifetime.
func Get[T any](ref *Reference) (*T, error) {
	if ref == nil {
		return nil, errNullArgument("reference is nil")
	}
	if ref.ctx == nil {
		return nil, errTransactionNotActive("reference is not bound to a transaction")
	}
	v, err := ref.ctx.resolve(ref.id, false, func() any { return new(T) })
	if err != nil {
		return nil, err
	}
	out, ok := v.(*T)
	if !ok {
		return nil, errTypeMismatch("object %d was previously resolved as %T, requested as %T", ref.id, v, out)
	}
	return out, nil
}

// GetForUpdate resolves ref for writing, equivalent to calling Get followed
// by [Service.MarkForUpdate] on the same object, but in one round trip.
// Mutating the returned pointer is what [Context.Prepare] will persist.
func GetForUpdate[T any](ref *Reference) (*T, error) {
	if ref == nil {
		return nil, errNullArgument("reference is nil")
	}
	if ref.ctx == nil {
		return nil, errTransactionNotActive("reference is not bound to a transaction")
	}
	v, err := ref.ctx.resolve(ref.id, true, func() any { return new(T) })
	if err != nil {
		return nil, err
	}
	out, ok := v.(*T)
	if !ok {
		return nil, errTypeMismatch("object %d was previously resolved as %T, requested as %T", ref.id, v, out)
	}
	return out, nil
}

var (
	_ msgpack.CustomEncoder = (*Reference)(nil)
	_ msgpack.CustomDecoder = (*Reference)(nil)
	_ json.Marshaler        = (*Reference)(nil)
	_ json.Unmarshaler      = (*Reference)(nil)
)

// EncodeMsgpack serializes a reference as just its id, so that a reference
// nested inside another managed object's payload never carries a full
// object graph with it.
func (r *Reference) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeUint64(uint64(r.id))
}

// DecodeMsgpack restores the id half of a reference; the ctx half is bound
// afterward by the decoding [Context].
func (r *Reference) DecodeMsgpack(dec *msgpack.Decoder) error {
	id, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	r.id = ObjectID(id)
	return nil
}

// MarshalJSON is the JSON-encoding counterpart to EncodeMsgpack.
func (r *Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(r.id))
}

// UnmarshalJSON is the JSON-encoding counterpart to DecodeMsgpack.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var id uint64
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	r.id = ObjectID(id)
	return nil
}
