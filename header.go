package objdb

// serviceClassName scopes the sentinel header binding to this service, so
// a future second service sharing the store cannot collide with it.
const serviceClassName = "objdb.Service"

// headerBindingName is the one binding the service itself owns, rather than
// an application or 2PC-joined caller: "s.<service-class-name>.header"
// the one durable record describing the on-disk layout's version.
const headerBindingName = servicePrefix + serviceClassName + ".header"

// headerMajorVersion changes only when the on-disk format changes in a way
// older code can't read; headerMinorVersion may drift freely.
const (
	headerMajorVersion = 1
	headerMinorVersion = 0
)

// headerRecord is the managed object the header binding points at.
type headerRecord struct {
	Major uint32
	Minor uint32
}

// checkHeader runs once during Initialize: on a brand-new store it writes
// the sentinel header at the current version; on a reopened store it
// verifies compatibility, failing fatally on a major-version mismatch and
// only logging a minor-version difference.
func checkHeader(co *Coordinator) error {
	tx, err := co.store.beginStorageTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id, ok := co.store.readBinding(tx, headerBindingName)
	if !ok {
		// encodeObject and AllocateID each take their own write
		// transaction, so the header's write transaction is opened only
		// after both have returned.
		hdr := &headerRecord{Major: headerMajorVersion, Minor: headerMinorVersion}
		payload, err := encodeObject(co.classes, defaultValueEncoding, hdr)
		if err != nil {
			return err
		}
		newID, err := co.store.AllocateID()
		if err != nil {
			return err
		}
		wtx, err := co.store.beginStorageTx(true)
		if err != nil {
			return err
		}
		defer wtx.Rollback()
		if err := co.store.writeObject(wtx, newID, payload); err != nil {
			return err
		}
		if err := co.store.writeBinding(wtx, headerBindingName, newID); err != nil {
			return err
		}
		return wtx.Commit()
	}

	raw := co.store.readObject(tx, id)
	if raw == nil {
		return errStorageCorrupt(nil, "service header binding %q points at a missing object", headerBindingName)
	}
	var hdr headerRecord
	if err := decodeObject(co.classes, defaultValueEncoding, raw, &hdr); err != nil {
		return err
	}
	if hdr.Major != headerMajorVersion {
		return errVersionIncompatible("store was written by major version %d, this binary is major version %d", hdr.Major, headerMajorVersion)
	}
	if hdr.Minor != headerMinorVersion {
		co.store.log.Info("service header minor version differs from the running binary",
			"stored_minor", hdr.Minor, "running_minor", headerMinorVersion)
	}
	return nil
}
