package objdb

import (
	"encoding/binary"
	"reflect"
)

// A payload is: one flags byte (reserved, always 0 today), the class
// ordinal as a uvarint, then the encoded object body. Keeping the class
// ordinal out-of-band from the encoded body means neither MsgPack nor JSON
// ever has to carry a type name on the wire.
func encodeObject(classes *ClassesCatalog, enc encodingMethod, obj any) ([]byte, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, errNotSerializable("objects must be stored via a non-nil pointer, got %T", obj)
	}
	descriptor, err := classDescriptor(rv.Elem().Type())
	if err != nil {
		return nil, err
	}
	ordinal, err := classes.OrdinalFor(descriptor)
	if err != nil {
		return nil, err
	}

	scratch := valueBytesPool.Get().([]byte)[:0]
	defer releaseValueBytes(scratch)

	scratch = append(scratch, 0)
	scratch = appendUvarint(scratch, uint64(ordinal))
	scratch = enc.EncodeValue(scratch, rv.Elem())

	out := make([]byte, len(scratch))
	copy(out, scratch)
	return out, nil
}

func decodeObject(classes *ClassesCatalog, enc encodingMethod, data []byte, out any) error {
	if len(data) < 1 {
		return errSerializationFormatError(nil, "empty object payload")
	}
	rest := data[1:] // skip flags byte
	ordU64, n := binary.Uvarint(rest)
	if n <= 0 {
		return errSerializationFormatError(nil, "corrupt object payload header")
	}
	ordinal := uint32(ordU64)
	body := rest[n:]

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errNotSerializable("objects must be loaded into a non-nil pointer, got %T", out)
	}
	wantDescriptor, err := classDescriptor(rv.Elem().Type())
	if err != nil {
		return err
	}
	gotDescriptor, err := classes.DescriptorForOrdinal(ordinal)
	if err != nil {
		return err
	}
	if gotDescriptor != wantDescriptor {
		return errTypeMismatch("stored object has class %q, requested class %q", gotDescriptor, wantDescriptor)
	}
	return enc.DecodeValue(body, rv)
}

// classDescriptor derives a stable, process-independent name for t, the way
// the old index engine derived a stable name for a KV schema from its Go
// type. Unnamed types and predeclared types (int, string, ...) have no
// package-qualified name and so aren't serializable here; named types
// declared in a package, exported or not, are.
func classDescriptor(t reflect.Type) (string, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return "", errNotSerializable("type %s cannot be stored: unnamed and predeclared types are not serializable", t.String())
	}
	return t.PkgPath() + "." + t.Name(), nil
}
