package objdb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/orbitstate/objdb/journal"
)

// walInvariant distinguishes this store's write-ahead journal from any other
// journal.Journal a process might open, so an operator can't accidentally
// point Open at the wrong directory and get silent corruption instead of an
// incompatible-journal error.
var walInvariant = [32]byte{'o', 'b', 'j', 'd', 'b', '-', 'w', 'a', 'l', '-', 'v', '1'}

// Bucket names. A Store keeps four top-level buckets: object payloads keyed
// by their 8-byte big-endian id, name bindings keyed by the bound name
// (already carrying its "a." or "s." namespace prefix), class ordinal
// assignments keyed by the class descriptor string, and a meta bucket
// holding the next-object-id and next-class-ordinal counters.
const (
	bucketObjects  = "objects"
	bucketBindings = "bindings"
	bucketClasses  = "classes"
	bucketMeta     = "meta"
)

// metaNextID is the key, within bucketMeta, of the next unallocated object id.
const metaNextID = "next-id"

// Store is the durable home of managed-object payloads and name bindings. It
// owns the pluggable storage backend, the lock manager that serializes
// concurrent access to individual objects, and the recurring-task scheduler
// that drives the lock-timeout sweep (deadlock detection itself runs inline
// in the lock manager's acquire).
//
// Store itself knows nothing about managed references or transaction
// contexts; [Coordinator] and [Context] are built on top of it.
type Store struct {
	cfg     Config
	log     *slog.Logger
	backend storage
	locks   *lockManager
	sched   *scheduler
	wal     *journal.Journal

	idMu   sync.Mutex
	nextID uint64

	stats storeStats

	closeOnce sync.Once
}

// storeStats holds the Store's operation and abort counters; the abort
// counters split by cause live on the lock manager, which is where aborts
// are decided.
type storeStats struct {
	objectReads  atomic.Uint64
	objectWrites atomic.Uint64
}

// Stats is a point-in-time snapshot of a Store's cumulative counters.
type Stats struct {
	ObjectReads    uint64
	ObjectWrites   uint64
	ConflictAborts uint64
	TimeoutAborts  uint64
}

// Stats reports cumulative operation counts and aborts split by cause,
// since the Store was opened.
func (st *Store) Stats() Stats {
	return Stats{
		ObjectReads:    st.stats.objectReads.Load(),
		ObjectWrites:   st.stats.objectWrites.Load(),
		ConflictAborts: st.locks.conflictAborts.Load(),
		TimeoutAborts:  st.locks.timeoutAborts.Load(),
	}
}

// Open opens (creating if necessary) a Store using the backend selected by
// cfg. The Bolt-backed store is opened in exclusive single-process mode;
// UseMemoryStore swaps in the transient backend for tests.
func Open(cfg Config) (*Store, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	var backend storage
	var wal *journal.Journal
	if cfg.UseMemoryStore {
		backend = newMemStorage()
	} else {
		if cfg.Path == "" {
			return nil, errNullArgument("the path property must be specified unless UseMemoryStore is set")
		}
		bdb, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return nil, errStorageCorrupt(err, "failed to open %s", cfg.Path)
		}
		backend = newBoltStorage(bdb)

		walDir := cfg.Path + "-wal"
		if err := os.MkdirAll(walDir, 0700); err != nil {
			bdb.Close()
			return nil, errStorageCorrupt(err, "failed to create write-ahead log directory %s", walDir)
		}
		wal = journal.New(walDir, journal.Options{
			FileName:         "seg-*.wal",
			DebugName:        "objdb-wal:" + cfg.AppName,
			JournalInvariant: walInvariant,
			Logger:           cfg.Logger,
		})
		wal.StartWriting()
	}

	st := &Store{
		cfg:     cfg,
		log:     cfg.Logger,
		backend: backend,
		locks:   newLockManager(),
		wal:     wal,
	}

	if err := st.init(); err != nil {
		backend.Close()
		return nil, err
	}

	st.sched = newScheduler(cfg.Logger)
	st.sched.scheduleRecurring("lock-timeout-sweep", lockSweepInterval, st.locks.sweepDeadlines)

	return st, nil
}

// ScheduleRecurring runs task roughly every period on a goroutine owned by
// the Store, until the returned handle is canceled or the Store closes.
// This is how the Store's own maintenance work (the lock-timeout sweep) is
// driven; collaborating services may hang their periodic work off the same
// scheduler so it drains with the Store.
func (st *Store) ScheduleRecurring(name string, period time.Duration, task func()) *RecurringTask {
	return st.sched.scheduleRecurring(name, period, task)
}

// lockSweepInterval bounds how stale a deadline-expired transaction can get
// before the lock manager notices it unprompted (an acquire() call notices
// immediately regardless).
const lockSweepInterval = 250 * time.Millisecond

func (st *Store) init() error {
	tx, err := st.backend.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range []string{bucketObjects, bucketBindings, bucketClasses, bucketMeta} {
		if _, err := tx.CreateBucket(name, ""); err != nil {
			return errStorageCorrupt(err, "failed to create bucket %q", name)
		}
	}

	meta := tx.Bucket(bucketMeta, "")
	if v := meta.Get([]byte(metaNextID)); v != nil {
		st.nextID = binary.BigEndian.Uint64(v)
	} else {
		st.nextID = 1
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], st.nextID)
		if err := meta.Put([]byte(metaNextID), buf[:]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close stops the Store's background scheduler and closes its backend. Safe
// to call more than once.
func (st *Store) Close() error {
	var err error
	st.closeOnce.Do(func() {
		if st.sched != nil {
			st.sched.stop()
		}
		if st.wal != nil {
			st.wal.FinishWriting()
		}
		err = st.backend.Close()
	})
	return err
}

// appendWAL durably records ws before it is applied to the backend, so a
// crash between the two can be recovered from by replaying it through
// [Store.ReplayWriteSet]. A memory-backed store has no durability to offer
// and so has no journal to append to.
func (st *Store) appendWAL(ws *writeSet) error {
	if st.wal == nil {
		return nil
	}
	if err := st.wal.WriteRecord(0, encodeWriteSet(ws)); err != nil {
		return errStorageCorrupt(err, "failed to append write-ahead log record")
	}
	if err := st.wal.Commit(); err != nil {
		return errStorageCorrupt(err, "failed to commit write-ahead log record")
	}
	return nil
}

// ReplayWriteSet re-applies a previously journaled write set to the
// backend. It is idempotent: replaying the same record twice leaves the
// backend in the same state, since every field of a writeSet is an
// overwrite rather than a delta. Intended for operator-driven recovery
// after extracting records from the write-ahead log directory; it is not
// invoked automatically by Open.
func (st *Store) ReplayWriteSet(data []byte) error {
	ws, err := decodeWriteSet(data)
	if err != nil {
		return err
	}
	tx, err := st.beginStorageTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := st.applyWriteSet(tx, ws); err != nil {
		return err
	}
	return tx.Commit()
}

// AllocateID hands out the next unused object id. Ids are never reused
// within the lifetime of a Store: the counter is persisted and bumped under
// its own storage transaction, so a crash never replays an id already
// handed out.
func (st *Store) AllocateID() (ObjectID, error) {
	st.idMu.Lock()
	defer st.idMu.Unlock()

	tx, err := st.backend.BeginTx(true)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id := st.nextID
	meta := tx.Bucket(bucketMeta, "")
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id+1)
	if err := meta.Put([]byte(metaNextID), buf[:]); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	st.nextID = id + 1
	return ObjectID(id), nil
}

func objectKey(id ObjectID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

// beginStorageTx starts a backend transaction used to apply one logical
// Store transaction's buffered write set (writes are buffered in the
// Context and applied to the backend in one shot at prepare time).
func (st *Store) beginStorageTx(writable bool) (storageTx, error) {
	return st.backend.BeginTx(writable)
}

// readObject fetches the raw payload bytes for id, or nil if unbound.
func (st *Store) readObject(tx storageTx, id ObjectID) []byte {
	b := tx.Bucket(bucketObjects, "")
	return b.Get(objectKey(id))
}

// readObjectCommitted fetches id's payload from the latest committed state,
// under a fresh short-lived read transaction. A [Context] calls this after
// it has acquired id's lock, so the bytes read here cannot be overwritten
// by a concurrent writer until the reading transaction ends; reading the
// caller's own begin-time snapshot instead would miss a write committed
// between snapshot and lock acquisition. The returned slice is a copy and
// stays valid after the internal transaction closes.
func (st *Store) readObjectCommitted(id ObjectID) ([]byte, error) {
	tx, err := st.backend.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	raw := st.readObject(tx, id)
	if raw == nil {
		return nil, nil
	}
	st.stats.objectReads.Add(1)
	return append([]byte(nil), raw...), nil
}

// writeObject stores the raw payload bytes for id.
func (st *Store) writeObject(tx storageTx, id ObjectID, payload []byte) error {
	b := tx.Bucket(bucketObjects, "")
	return b.Put(objectKey(id), payload)
}

// deleteObject removes the payload for id.
func (st *Store) deleteObject(tx storageTx, id ObjectID) error {
	b := tx.Bucket(bucketObjects, "")
	return b.Delete(objectKey(id))
}

// readBinding fetches the object id bound to name, if any.
func (st *Store) readBinding(tx storageTx, name string) (ObjectID, bool) {
	b := tx.Bucket(bucketBindings, "")
	v := b.Get([]byte(name))
	if v == nil {
		return 0, false
	}
	return ObjectID(binary.BigEndian.Uint64(v)), true
}

// writeBinding binds name to id.
func (st *Store) writeBinding(tx storageTx, name string, id ObjectID) error {
	b := tx.Bucket(bucketBindings, "")
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return b.Put([]byte(name), buf[:])
}

// deleteBinding removes name's binding.
func (st *Store) deleteBinding(tx storageTx, name string) error {
	b := tx.Bucket(bucketBindings, "")
	return b.Delete([]byte(name))
}

// nextBoundName returns the lexicographically-next bound name strictly
// after name within the given prefix namespace ("a." or "s."), or "" if
// name is the last one bound in that namespace. An empty name means "the
// first bound name in the namespace".
func (st *Store) nextBoundName(tx storageTx, prefix, name string) (string, bool) {
	b := tx.Bucket(bucketBindings, "")
	c := b.Cursor()

	var k []byte
	if name == "" {
		k, _ = c.Seek([]byte(prefix))
	} else {
		// The strict successor of a key is the key with a zero byte
		// appended; incrementing the last byte would skip names that
		// extend the current one (e.g. "a.b" -> "a.bz").
		seekKey := make([]byte, 0, len(name)+1)
		seekKey = append(append(seekKey, name...), 0)
		k, _ = c.Seek(seekKey)
	}
	if k == nil || !hasPrefixString(k, prefix) {
		return "", false
	}
	return string(k), true
}

func hasPrefixString(b []byte, prefix string) bool {
	if len(b) < len(prefix) {
		return false
	}
	return string(b[:len(prefix)]) == prefix
}

// classOrdinal returns the ordinal assigned to descriptor, assigning a new
// one from a monotonic, never-reused counter if this is the first time the
// descriptor is seen in this storage transaction. Must be called inside a
// writable storage transaction.
func (st *Store) classOrdinal(tx storageTx, descriptor string) (uint32, error) {
	b := tx.Bucket(bucketClasses, "")
	if v := b.Get([]byte(descriptor)); v != nil {
		return binary.BigEndian.Uint32(v), nil
	}

	next, err := st.nextClassOrdinalLocked(tx)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], next)
	if err := b.Put([]byte(descriptor), buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

const metaNextClassOrdinal = "next-class-ordinal"

func (st *Store) nextClassOrdinalLocked(tx storageTx) (uint32, error) {
	meta := tx.Bucket(bucketMeta, "")
	var next uint32
	if v := meta.Get([]byte(metaNextClassOrdinal)); v != nil {
		next = binary.BigEndian.Uint32(v)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], next+1)
	if err := meta.Put([]byte(metaNextClassOrdinal), buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

// descriptorForOrdinal reverse-looks-up a class descriptor by ordinal; used
// when decoding a payload whose class ordinal isn't yet cached in memory.
// This is a linear scan over bucketClasses, acceptable because it is only
// ever hit once per process per ordinal (see [ClassesCatalog]).
func (st *Store) descriptorForOrdinal(tx storageTx, ordinal uint32) (string, error) {
	b := tx.Bucket(bucketClasses, "")
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if binary.BigEndian.Uint32(v) == ordinal {
			return string(k), nil
		}
	}
	return "", errSerializationFormatError(nil, "unknown class ordinal %d", ordinal)
}

func (st *Store) String() string {
	return fmt.Sprintf("Store(app=%s)", st.cfg.AppName)
}
