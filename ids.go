package objdb

import "math/big"

// ObjectID is the internal 64-bit non-negative object identifier. Zero is
// reserved and never allocated by [Store.AllocateID]; it is used internally
// to mean "no object".
type ObjectID uint64

// BigInt returns the arbitrary-precision external representation of id, per
// the contract that ids are exposed as non-negative integers "to
// allow future widening" of the internal representation.
func (id ObjectID) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

// ObjectIDFromBigInt validates and converts an externally-supplied id. It
// fails with a caller-bug error for negative values or values that don't
// fit in 63 bits, the boundary check this service applies before ever
// touching its internal representation.
func ObjectIDFromBigInt(id *big.Int) (ObjectID, error) {
	if id == nil {
		return 0, errNullArgument("the id must not be nil")
	}
	if id.Sign() < 0 || id.BitLen() > 63 {
		return 0, errInvalidID("the id is invalid: %s", id.String())
	}
	return ObjectID(id.Uint64()), nil
}
