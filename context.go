package objdb

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Context is a single transaction's view of the object graph: it caches
// every object it has resolved, tracks which ones it created, removed, or
// marked dirty, and snapshots the encoded bytes of objects read only for
// inspection so that mutating one without calling [Service.MarkForUpdate]
// is still detected at prepare time.
//
// A Context is driven by exactly one goroutine at a time; mu serializes
// its own methods. The lock manager's timeout sweep runs on another
// goroutine but only marks the transaction's lock state aborted; it never
// touches the Context's fields.
type Context struct {
	store   *Store
	classes *ClassesCatalog
	cfg     Config
	lockSt  *txnState
	readTx  storageTx
	name    string

	mu         sync.Mutex
	done       bool
	cache      map[ObjectID]any
	dirty      map[ObjectID]bool
	removedSet map[ObjectID]bool
	snapshots  map[ObjectID][]byte
	bindings   map[string]*ObjectID
	opCount    int
}

// newContext begins a new logical transaction against st: it registers
// with the lock manager and opens a long-lived read-only snapshot of the
// backend. The snapshot serves binding lookups and enumeration, which see
// the world as of transaction begin; object payloads are instead read from
// the latest committed state after their lock is acquired (see resolve).
func newContext(st *Store, classes *ClassesCatalog, cfg Config, txnID uint64, name string) (*Context, error) {
	readTx, err := st.beginStorageTx(false)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(cfg.TransactionDeadline)
	lockSt := st.locks.begin(txnID, deadline)
	return &Context{
		store:      st,
		classes:    classes,
		cfg:        cfg,
		lockSt:     lockSt,
		readTx:     readTx,
		name:       name,
		cache:      make(map[ObjectID]any),
		dirty:      make(map[ObjectID]bool),
		removedSet: make(map[ObjectID]bool),
		snapshots:  make(map[ObjectID][]byte),
		bindings:   make(map[string]*ObjectID),
	}, nil
}

// Name identifies this Context as a 2PC participant, for [Coordinator]
// logging.
func (c *Context) Name() string { return c.name }

func (c *Context) bumpOpCount() {
	c.opCount++
	if c.cfg.DebugCheckInterval > 0 && c.opCount%c.cfg.DebugCheckInterval == 0 {
		c.checkInvariantsLocked()
	}
}

// checkInvariantsLocked validates that every cached object is reachable by
// exactly the id it was resolved under; a violation only logs, since it
// reflects a bug in this package, not caller misuse, and should never abort
// an otherwise-healthy transaction.
func (c *Context) checkInvariantsLocked() {
	seen := make(map[uintptr]ObjectID, len(c.cache))
	for id, obj := range c.cache {
		rv := reflect.ValueOf(obj)
		if rv.Kind() != reflect.Ptr || rv.IsNil() {
			continue
		}
		ptr := rv.Pointer()
		if other, ok := seen[ptr]; ok {
			c.store.log.Error("managed reference table inconsistency: same object pointer under two ids",
				"context", c.name, "id1", other, "id2", id)
			continue
		}
		seen[ptr] = id
	}
}

func (c *Context) checkActive() error {
	if c.done {
		return errTransactionNotActive("transaction %q is no longer active", c.name)
	}
	return nil
}

// resolve loads id for Get[T]/GetForUpdate[T]. It always returns the same
// instance for the same id within one transaction: the first resolve
// allocates it via alloc and caches it, and every later resolve (by this
// or any other Get/GetForUpdate call on an equivalent Reference) hands
// back that exact pointer, so that mutating the object returned by
// GetForUpdate is always what Prepare re-encodes, with no copy to go stale
// in between.
func (c *Context) resolve(id ObjectID, forUpdate bool, alloc func() any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(); err != nil {
		return nil, err
	}
	if c.removedSet[id] {
		return nil, errObjectNotFound("object %d has been removed in this transaction", id)
	}

	if err := c.store.locks.acquire(c.lockSt, id, forUpdate); err != nil {
		c.finishLocked()
		return nil, err
	}
	if forUpdate {
		c.dirty[id] = true
	}

	if cached, ok := c.cache[id]; ok {
		return cached, nil
	}

	// Objects are read from the latest committed state, not from this
	// transaction's begin-time snapshot: the lock acquired above orders
	// this read after any writer that committed before it, which is what
	// makes strict two-phase locking serializable here. (Binding reads
	// below stay on the begin-time snapshot; bindings are enumerated
	// against the transaction's own snapshot.)
	raw, err := c.store.readObjectCommitted(id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errObjectNotFound("no object with id %d", id)
	}
	out := alloc()
	if err := decodeObject(c.classes, defaultValueEncoding, raw, out); err != nil {
		return nil, err
	}
	c.bindReferences(reflect.ValueOf(out))

	c.cache[id] = out
	if c.cfg.DetectModifications {
		c.snapshots[id] = raw
	}
	c.bumpOpCount()
	return out, nil
}

// createObject allocates a new object id, validates obj is serializable,
// and caches it as dirty so prepare will write it.
func (c *Context) createObject(obj any) (*Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return nil, err
	}

	// Validate serializability eagerly so CreateReference fails fast
	// instead of only at prepare.
	if _, err := encodeObject(c.classes, defaultValueEncoding, obj); err != nil {
		return nil, err
	}

	id, err := c.store.AllocateID()
	if err != nil {
		return nil, err
	}
	if err := c.store.locks.acquire(c.lockSt, id, true); err != nil {
		c.finishLocked()
		return nil, err
	}

	c.cache[id] = obj
	c.dirty[id] = true
	c.bindReferences(reflect.ValueOf(obj))
	c.bumpOpCount()
	return &Reference{id: id, ctx: c}, nil
}

// markForUpdate flags ref's object dirty and upgrades its lock to
// exclusive immediately, rather than waiting to discover the mutation by
// snapshot comparison at prepare.
func (c *Context) markForUpdate(ref *Reference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return err
	}
	if c.removedSet[ref.id] {
		return errObjectNotFound("object %d has been removed in this transaction", ref.id)
	}
	if err := c.store.locks.acquire(c.lockSt, ref.id, true); err != nil {
		c.finishLocked()
		return err
	}
	if _, ok := c.cache[ref.id]; !ok {
		return errObjectNotManaged("object %d has not been resolved in this transaction", ref.id)
	}
	c.dirty[ref.id] = true
	return nil
}

// removeObject marks ref's object for deletion at prepare time. Removing
// an object does not remove any name bindings or references that point to
// it; resolving it again in this transaction, or in any later one, returns
// object-not-found.
func (c *Context) removeObject(ref *Reference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return err
	}
	if err := c.store.locks.acquire(c.lockSt, ref.id, true); err != nil {
		c.finishLocked()
		return err
	}
	c.removedSet[ref.id] = true
	delete(c.dirty, ref.id)
	delete(c.cache, ref.id)
	delete(c.snapshots, ref.id)
	return nil
}

// referenceForObject returns the reference obj is already managed under in
// this transaction (matched by pointer identity against the cache), or
// creates a new one if obj hasn't been seen before. Backs
// [Service.CreateReference] and [Service.SetBinding]'s "create its
// reference if new" behavior.
func (c *Context) referenceForObject(obj any) (*Reference, error) {
	c.mu.Lock()
	if err := c.checkActive(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		ptr := rv.Pointer()
		for id, cached := range c.cache {
			if c.removedSet[id] {
				continue
			}
			if cv := reflect.ValueOf(cached); cv.Kind() == reflect.Ptr && cv.Pointer() == ptr {
				c.mu.Unlock()
				return &Reference{id: id, ctx: c}, nil
			}
		}
	}
	c.mu.Unlock()
	return c.createObject(obj)
}

// managedReferenceFor looks up the reference obj is already managed under
// in this transaction, without creating one if it isn't. Backs
// [Service.RemoveObject] and [Service.MarkForUpdate].
func (c *Context) managedReferenceFor(obj any) (*Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, errObjectNotManaged("object must be a non-nil pointer, got %T", obj)
	}
	ptr := rv.Pointer()
	for id, cached := range c.cache {
		if c.removedSet[id] {
			continue
		}
		if cv := reflect.ValueOf(cached); cv.Kind() == reflect.Ptr && cv.Pointer() == ptr {
			return &Reference{id: id, ctx: c}, nil
		}
	}
	return nil, errObjectNotManaged("object %T has not been resolved or created in this transaction", obj)
}

func (c *Context) getBinding(name string) (ObjectID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return 0, err
	}
	if ch, ok := c.bindings[name]; ok {
		if ch == nil {
			return 0, errNameNotBound("no object is bound to %q", name)
		}
		return *ch, nil
	}
	id, ok := c.store.readBinding(c.readTx, name)
	if !ok {
		return 0, errNameNotBound("no object is bound to %q", name)
	}
	return id, nil
}

func (c *Context) setBinding(name string, id ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return err
	}
	v := id
	c.bindings[name] = &v
	return nil
}

func (c *Context) removeBinding(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return err
	}
	if ch, ok := c.bindings[name]; ok && ch == nil {
		return errNameNotBound("no object is bound to %q", name)
	} else if !ok {
		if _, ok := c.store.readBinding(c.readTx, name); !ok {
			return errNameNotBound("no object is bound to %q", name)
		}
	}
	c.bindings[name] = nil
	return nil
}

// nextBoundName returns the first bound name within prefix strictly after
// after, merging this transaction's uncommitted binding changes with the
// backend's committed snapshot.
func (c *Context) nextBoundName(prefix, after string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return "", err
	}

	var candidate string
	found := false
	consider := func(name string) {
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			return
		}
		if name <= after {
			return
		}
		if ch, ok := c.bindings[name]; ok && ch == nil {
			return
		}
		if !found || name < candidate {
			candidate, found = name, true
		}
	}

	cursor := after
	for {
		k, ok := c.store.nextBoundName(c.readTx, prefix, cursor)
		if !ok {
			break
		}
		if ch, ok2 := c.bindings[k]; ok2 && ch == nil {
			cursor = k
			continue
		}
		consider(k)
		break
	}
	for name := range c.bindings {
		consider(name)
	}

	if !found {
		return "", errNameNotBound("no bound names follow %q", after)
	}
	return candidate, nil
}

// bindReferences walks a freshly-decoded object graph and binds every
// *Reference field it finds to c, so application code can call Get/
// GetForUpdate on references it only ever received by decoding, never by
// constructing directly.
func (c *Context) bindReferences(v reflect.Value) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		if ref, ok := v.Addr().Interface().(*Reference); ok {
			ref.ctx = c
			return
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				continue
			}
			switch f.Kind() {
			case reflect.Ptr, reflect.Struct:
				c.bindReferences(f)
			case reflect.Slice, reflect.Array:
				for j := 0; j < f.Len(); j++ {
					c.bindReferences(f.Index(j))
				}
			case reflect.Map:
				for _, k := range f.MapKeys() {
					c.bindReferences(f.MapIndex(k))
				}
			}
		}
	case reflect.Slice, reflect.Array:
		for j := 0; j < v.Len(); j++ {
			c.bindReferences(v.Index(j))
		}
	}
}

// Prepare implements the [Participant] interface. It detects any
// modification made without MarkForUpdate, stages the write set, durably
// journals it, and applies it to the backend in one commit, at which
// point the transaction's effects are final. Commit and Abort afterward
// are therefore no-ops; see DESIGN.md for why this store commits at
// prepare instead of holding an open backend write transaction across the
// coordinator's whole prepare/commit round trip.
func (c *Context) Prepare() (readOnly bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return false, err
	}
	// The sweep may have aborted this transaction asynchronously while the
	// task was running; surface that here instead of committing past the
	// deadline.
	if err := c.lockSt.checkAborted(); err != nil {
		c.finishLocked()
		return false, err
	}

	if c.cfg.DetectModifications {
		for id, obj := range c.cache {
			if c.removedSet[id] || c.dirty[id] {
				continue
			}
			raw, err := encodeObject(c.classes, defaultValueEncoding, obj)
			if err != nil {
				return false, err
			}
			if !bytes.Equal(raw, c.snapshots[id]) {
				c.store.log.Debug("object modified without a mark-for-update call, persisting anyway",
					"context", c.name, "id", id)
				if err := c.store.locks.acquire(c.lockSt, id, true); err != nil {
					c.finishLocked()
					return false, err
				}
				c.dirty[id] = true
			}
		}
	}

	ws := &writeSet{objects: make(map[ObjectID][]byte)}
	for id := range c.removedSet {
		ws.removed = append(ws.removed, id)
	}
	for id := range c.dirty {
		if c.removedSet[id] {
			continue
		}
		raw, err := encodeObject(c.classes, defaultValueEncoding, c.cache[id])
		if err != nil {
			return false, err
		}
		ws.objects[id] = raw
	}
	if len(c.bindings) > 0 {
		ws.bindings = c.bindings
	}

	if ws.empty() {
		c.finishLocked()
		return true, nil
	}

	if err := c.store.appendWAL(ws); err != nil {
		return false, err
	}

	wtx, err := c.store.beginStorageTx(true)
	if err != nil {
		return false, err
	}
	if err := c.store.applyWriteSet(wtx, ws); err != nil {
		wtx.Rollback()
		return false, err
	}
	if err := wtx.Commit(); err != nil {
		return false, errStorageCorrupt(err, "failed to commit transaction %q", c.name)
	}
	c.store.stats.objectWrites.Add(uint64(len(ws.objects) + len(ws.removed)))

	c.finishLocked()
	return false, nil
}

// Commit implements [Participant]. By the time it is called, a non-
// read-only Context has already durably committed in Prepare; Commit is
// the coordinator's formal acknowledgment.
func (c *Context) Commit() error {
	return nil
}

// Abort implements [Participant]. It only has work to do if Prepare was
// never called (or returned read_only, in which case the transaction is
// already finished): discard every buffered change and release locks.
func (c *Context) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.finishLocked()
	return nil
}

func (c *Context) finishLocked() {
	if c.done {
		return
	}
	c.done = true
	c.readTx.Rollback()
	c.store.locks.releaseAll(c.lockSt)
}

func (c *Context) String() string {
	return fmt.Sprintf("Context(%s)", c.name)
}
