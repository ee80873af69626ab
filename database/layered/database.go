package layered

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
)

const (
	// ErrWriteModeRequired is reported by persistent operations issued
	// through a descriptor that does not hold the write mode.
	ErrWriteModeRequired = common.ConstError("descriptor does not hold the write mode")
	// ErrWriteModeHeld is reported when the write mode cannot be taken
	// over because its current holder has unsaved local state.
	ErrWriteModeHeld = common.ConstError("write mode held by a dirty descriptor")
	// ErrStaleDescriptor is reported by a persistent commit through a
	// descriptor whose base state was superseded by another commit.
	ErrStaleDescriptor = common.ConstError("descriptor is based on a superseded state")
)

// Database is the shared persistence core. It owns a physical key/value
// backend holding the durable entry and hash tables, and a journal of
// the filters that produced the current durable state. All access to the
// durable state goes through descriptors created by NewDescriptor.
//
// The database serializes persistent commits internally; descriptors
// themselves are single-goroutine objects.
type Database struct {
	backend kvdb.Database
	journal *Scheduler

	mu         sync.Mutex
	writeOwner *Descriptor
	root       common.Hash    // durable state root
	vtop       common.EntryID // durable entry allocator top
}

// Open attaches the persistence core to the given backend, restoring the
// durable root and the journal. An empty backend yields an empty state.
func Open(backend kvdb.Database, layout JournalLayout) (*Database, error) {
	root, vtop, err := readRootRecord(backend)
	if err != nil {
		return nil, err
	}
	journal, err := loadScheduler(backend, layout)
	if err != nil {
		return nil, err
	}
	if trg, retained := journal.newestTarget(); retained && trg != root {
		return nil, fmt.Errorf("%w: journal ends at %x, durable root is %x", ErrCorruptedJournal, trg, root)
	}
	return &Database{
		backend: backend,
		journal: journal,
		root:    root,
		vtop:    vtop,
	}, nil
}

// NewDescriptor creates a fresh descriptor based on the current durable
// state, without any local modifications and without the write mode.
func (db *Database) NewDescriptor() *Descriptor {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &Descriptor{
		db:       db,
		stack:    newLayerStack[common.EntryID, Entry](),
		baseRoot: db.root,
		baseVtop: db.vtop,
		root:     db.root,
		vtop:     db.vtop,
	}
}

// Root returns the current durable state root.
func (db *Database) Root() common.Hash {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.root
}

// Journal exposes the filter journal for inspection. Callers must not
// retain the returned value across commits.
func (db *Database) Journal() *Scheduler {
	return db.journal
}

// EvictOldest removes the given number of oldest journal slots and
// returns the single filter representing their combined transition. The
// eviction is applied to the backend atomically.
func (db *Database) EvictOldest(n int) (*Filter, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	snapshot := db.journal.snapshot()
	batch := db.backend.NewBatch()
	merged, err := db.journal.FetchDelete(n, batch)
	if err != nil {
		db.journal.restore(snapshot)
		return nil, err
	}
	if err := batch.Write(); err != nil {
		db.journal.restore(snapshot)
		return nil, fmt.Errorf("failed to write eviction batch: %w", err)
	}
	return merged, nil
}

// Reinsert places a previously evicted composite filter back into the
// journal as its oldest element, at the given tier.
func (db *Database) Reinsert(tier int, f *Filter) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	snapshot := db.journal.snapshot()
	batch := db.backend.NewBatch()
	if err := db.journal.Reinsert(tier, f, batch); err != nil {
		db.journal.restore(snapshot)
		return err
	}
	if err := batch.Write(); err != nil {
		db.journal.restore(snapshot)
		return fmt.Errorf("failed to write reinsertion batch: %w", err)
	}
	return nil
}

// Flush pushes all cached state of the backend to disk.
func (db *Database) Flush() error {
	return db.backend.Flush()
}

// Close flushes and closes the backend. The database must not be used
// afterwards.
func (db *Database) Close() error {
	return db.backend.Close()
}

func (db *Database) GetMemoryFootprint() *common.MemoryFootprint {
	res := common.NewMemoryFootprint(unsafe.Sizeof(*db))
	res.AddChild("backend", db.backend.GetMemoryFootprint())
	res.AddChild("journal", db.journal.GetMemoryFootprint())
	return res
}

// getEntry reads an entry blob from the durable entry table.
func (db *Database) getEntry(id common.EntryID) ([]byte, error) {
	var key entryKey
	key.set(EntryTableKey, id)
	return db.backend.Get(key[:])
}

// getHash reads an entry content hash from the durable hash table.
func (db *Database) getHash(id common.EntryID) (common.Hash, error) {
	var key entryKey
	key.set(HashTableKey, id)
	data, err := db.backend.Get(key[:])
	if err != nil {
		return common.Hash{}, err
	}
	if len(data) != common.HashSize {
		return common.Hash{}, fmt.Errorf("%w: hash record for entry %d has %d bytes", ErrCorruptedJournal, id, len(data))
	}
	return common.HashSerializer{}.FromBytes(data), nil
}

// acquireWriteMode hands the advisory write token to the given
// descriptor. A token held by another descriptor is taken over only if
// that descriptor has no unsaved local state.
func (db *Database) acquireWriteMode(d *Descriptor) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeOwner == nil || db.writeOwner == d {
		db.writeOwner = d
		return nil
	}
	if db.writeOwner.isDirty() {
		return ErrWriteModeHeld
	}
	db.writeOwner.writeMode = false
	db.writeOwner = d
	return nil
}

func (db *Database) releaseWriteMode(d *Descriptor) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeOwner == d {
		db.writeOwner = nil
	}
}

// commit makes the accumulated changes of the given descriptor durable:
// the combined filter enters the journal as its newest element and its
// entries are applied to the durable tables, all in one atomic batch
// together with the updated bookkeeping and root records.
func (db *Database) commit(d *Descriptor, candidate *Filter, vtop common.EntryID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writeOwner != d {
		return ErrWriteModeRequired
	}
	if d.baseRoot != db.root {
		return fmt.Errorf("%w: based on %x, durable root is %x", ErrStaleDescriptor, d.baseRoot, db.root)
	}
	final, err := compose(d.roFilter, candidate)
	if err != nil {
		return err
	}
	if final == nil {
		return nil
	}
	snapshot := db.journal.snapshot()
	batch := db.backend.NewBatch()
	if err := db.journal.insert(final, batch); err != nil {
		db.journal.restore(snapshot)
		return err
	}
	if err := applyFilterToBatch(final, batch); err != nil {
		db.journal.restore(snapshot)
		return err
	}
	if err := writeRootRecord(batch, final.trg, vtop); err != nil {
		db.journal.restore(snapshot)
		return err
	}
	if err := batch.Write(); err != nil {
		db.journal.restore(snapshot)
		return fmt.Errorf("failed to write commit batch: %w", err)
	}
	db.root = final.trg
	db.vtop = vtop
	return nil
}

// applyFilterToBatch translates the entries of a filter into updates of
// the durable entry and hash tables. Tombstones remove both records.
func applyFilterToBatch(f *Filter, batch kvdb.Batch) error {
	for id, entry := range f.entries {
		var ekey, hkey entryKey
		ekey.set(EntryTableKey, id)
		hkey.set(HashTableKey, id)
		if entry.Deleted() {
			if err := batch.Delete(ekey[:]); err != nil {
				return fmt.Errorf("failed to drop entry %d: %w", id, err)
			}
			if err := batch.Delete(hkey[:]); err != nil {
				return fmt.Errorf("failed to drop hash of entry %d: %w", id, err)
			}
			continue
		}
		if err := batch.Put(ekey[:], entry.Blob); err != nil {
			return fmt.Errorf("failed to write entry %d: %w", id, err)
		}
		if err := batch.Put(hkey[:], entry.Hash[:]); err != nil {
			return fmt.Errorf("failed to write hash of entry %d: %w", id, err)
		}
	}
	return nil
}

// --- persisted root record ---

const stateRootEncodingVersion byte = 0

var (
	rootSerializer = common.HashSerializer{}
	vtopSerializer = common.EntryIDSerializer{}
)

func writeRootRecord(batch kvdb.Batch, root common.Hash, vtop common.EntryID) error {
	data := make([]byte, 0, 1+rootSerializer.Size()+vtopSerializer.Size())
	data = append(data, stateRootEncodingVersion)
	data = append(data, rootSerializer.ToBytes(root)...)
	data = append(data, vtopSerializer.ToBytes(vtop)...)
	if err := batch.Put(stateRootDbKey, data); err != nil {
		return fmt.Errorf("failed to write root record: %w", err)
	}
	return nil
}

func readRootRecord(db kvdb.Database) (common.Hash, common.EntryID, error) {
	data, err := db.Get(stateRootDbKey)
	if errors.Is(err, kvdb.ErrNotFound) {
		return common.Hash{}, common.FirstEntryID, nil
	}
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("failed to read root record: %w", err)
	}
	if len(data) != 1+rootSerializer.Size()+vtopSerializer.Size() {
		return common.Hash{}, 0, fmt.Errorf("%w: root record has %d bytes", ErrMalformedEncoding, len(data))
	}
	if data[0] != stateRootEncodingVersion {
		return common.Hash{}, 0, fmt.Errorf("%w: unknown root record version %d", ErrMalformedEncoding, data[0])
	}
	root := rootSerializer.FromBytes(data[1 : 1+rootSerializer.Size()])
	vtop := vtopSerializer.FromBytes(data[1+rootSerializer.Size():])
	return root, vtop, nil
}
