package objdb

import "sync"

// ClassesCatalog assigns small integer ordinals to the class descriptors
// used to serialize managed objects, so a payload on disk never has to
// embed a type name. Ordinals are assigned once, on first encounter, from a
// monotonic counter that is itself persisted in the Store's meta bucket;
// they are never reused even if the owning class is later dropped from the
// running program, matching the non-reuse rule this codebase's earlier
// index-ordinal allocator (schemastate.go in the table engine this package
// replaces) already followed.
//
// A ClassesCatalog is safe for concurrent use; assignment of a brand-new
// ordinal takes its own short-lived storage transaction rather than
// participating in the caller's logical transaction, so that concurrent
// first-sight registrations of the same descriptor from different
// transactions still serialize to exactly one ordinal.
type ClassesCatalog struct {
	st *Store

	mu           sync.RWMutex
	byDescriptor map[string]uint32
	byOrdinal    map[uint32]string
}

func newClassesCatalog(st *Store) *ClassesCatalog {
	return &ClassesCatalog{
		st:           st,
		byDescriptor: make(map[string]uint32),
		byOrdinal:    make(map[uint32]string),
	}
}

// OrdinalFor returns the ordinal for descriptor, assigning one if this is
// the first time the catalog has seen it.
func (c *ClassesCatalog) OrdinalFor(descriptor string) (uint32, error) {
	c.mu.RLock()
	if ord, ok := c.byDescriptor[descriptor]; ok {
		c.mu.RUnlock()
		return ord, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ord, ok := c.byDescriptor[descriptor]; ok {
		return ord, nil
	}

	tx, err := c.st.beginStorageTx(true)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ord, err := c.st.classOrdinal(tx, descriptor)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	c.byDescriptor[descriptor] = ord
	c.byOrdinal[ord] = descriptor
	return ord, nil
}

// DescriptorForOrdinal reverses OrdinalFor. It fails with a
// serialization-format error if ordinal was never assigned, which can only
// happen if a payload was produced by a different (or corrupted) catalog.
func (c *ClassesCatalog) DescriptorForOrdinal(ordinal uint32) (string, error) {
	c.mu.RLock()
	if d, ok := c.byOrdinal[ordinal]; ok {
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byOrdinal[ordinal]; ok {
		return d, nil
	}

	tx, err := c.st.beginStorageTx(false)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	d, err := c.st.descriptorForOrdinal(tx, ordinal)
	if err != nil {
		return "", err
	}

	c.byDescriptor[d] = ordinal
	c.byOrdinal[ordinal] = d
	return d, nil
}
