package layered

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/backend/kvdb/memory"
	"github.com/bun31/nimbus-eth1/common"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	backend := memory.New()
	t.Cleanup(func() { backend.Close() })
	db, err := Open(backend, JournalLayout{
		{Capacity: 4, MergeFactor: 2},
		{Capacity: 16, MergeFactor: 0},
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

// commitChange makes one durable commit through the given descriptor,
// writing the given blob under a fresh ID and moving the root to the
// given value.
func commitChange(t *testing.T, d *Descriptor, root common.Hash, blob string) common.EntryID {
	t.Helper()
	if err := d.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to acquire write mode: %v", err)
	}
	id := d.NewEntryID()
	if err := d.Put(id, []byte(blob)); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(root)
	if err := d.Stow(true); err != nil {
		t.Fatalf("failed to stow persistently: %v", err)
	}
	return id
}

func TestDescriptor_PutGetDelete(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()

	id := d.NewEntryID()
	if err := d.Put(id, []byte("payload")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	blob, err := d.Get(id)
	if err != nil || !bytes.Equal(blob, []byte("payload")) {
		t.Errorf("got %q / %v", blob, err)
	}
	if exists, err := d.Has(id); !exists || err != nil {
		t.Errorf("entry not reported as present: %t / %v", exists, err)
	}

	// The returned slice is a private copy.
	blob[0] = 'X'
	again, _ := d.Get(id)
	if !bytes.Equal(again, []byte("payload")) {
		t.Errorf("modifying a returned blob leaked into the store")
	}

	d.Delete(id)
	if _, err := d.Get(id); !errors.Is(err, kvdb.ErrNotFound) {
		t.Errorf("deleted entry resolves with %v", err)
	}
	if exists, err := d.Has(id); exists || err != nil {
		t.Errorf("deleted entry reported as present: %t / %v", exists, err)
	}
}

func TestDescriptor_PutRejectsEmptyBlob(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	if err := d.Put(d.NewEntryID(), nil); err == nil {
		t.Errorf("empty blob accepted")
	}
}

func TestDescriptor_HashTracksContent(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	id := d.NewEntryID()
	if err := d.Put(id, []byte("payload")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	hash, err := d.GetHash(id)
	if err != nil || hash != common.Keccak256([]byte("payload")) {
		t.Errorf("got %x / %v", hash, err)
	}
}

func TestDescriptor_EntryIDsAreMonotonic(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	first := d.NewEntryID()
	if first != common.FirstEntryID {
		t.Errorf("allocation starts at %d, wanted %d", first, common.FirstEntryID)
	}
	if next := d.NewEntryID(); next != first+1 {
		t.Errorf("allocation is not sequential: %d after %d", next, first)
	}
}

func TestDescriptor_TransactionFramesNestAndRollBack(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()

	outer := d.NewEntryID()
	if err := d.Put(outer, []byte("outer")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	rootBefore := d.Root()

	d.Begin()
	kept := d.NewEntryID()
	if err := d.Put(kept, []byte("kept")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}

	d.Begin()
	discarded := d.NewEntryID()
	if err := d.Put(discarded, []byte("discarded")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("abandoned"))
	if err := d.Rollback(); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	if _, err := d.Get(discarded); !errors.Is(err, kvdb.ErrNotFound) {
		t.Errorf("rolled back entry resolves with %v", err)
	}
	if d.Root() != rootBefore {
		t.Errorf("rollback did not restore the root")
	}
	// The allocator returns to the frame start, the discarded ID is
	// handed out again.
	if id := d.NewEntryID(); id != discarded {
		t.Errorf("allocator continues at %d, wanted %d", id, discarded)
	}

	if err := d.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if blob, err := d.Get(kept); err != nil || !bytes.Equal(blob, []byte("kept")) {
		t.Errorf("committed entry resolves with %q / %v", blob, err)
	}
	if blob, err := d.Get(outer); err != nil || !bytes.Equal(blob, []byte("outer")) {
		t.Errorf("outer entry resolves with %q / %v", blob, err)
	}

	if err := d.Commit(); err == nil {
		t.Errorf("commit without an open frame accepted")
	}
	if err := d.Rollback(); err == nil {
		t.Errorf("rollback without an open frame accepted")
	}
}

func TestDescriptor_StowRequiresClosedFrames(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	d.Begin()
	if err := d.Stow(false); !errors.Is(err, ErrOpenTransaction) {
		t.Errorf("got %v, wanted an open transaction error", err)
	}
}

func TestDescriptor_LocalStowBuildsOverlay(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()

	id := d.NewEntryID()
	if err := d.Put(id, []byte("one")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("B"))
	if err := d.Stow(false); err != nil {
		t.Fatalf("failed to stow locally: %v", err)
	}

	overlay := d.Overlay()
	if overlay == nil {
		t.Fatalf("local stow left no overlay")
	}
	if overlay.Source() != (common.Hash{}) || overlay.Target() != hashOf("B") {
		t.Errorf("overlay spans %x to %x", overlay.Source(), overlay.Target())
	}
	if blob, err := d.Get(id); err != nil || !bytes.Equal(blob, []byte("one")) {
		t.Errorf("stowed entry resolves with %q / %v", blob, err)
	}

	// The durable state is untouched; other descriptors see nothing.
	other := db.NewDescriptor()
	if _, err := other.Get(id); !errors.Is(err, kvdb.ErrNotFound) {
		t.Errorf("locally stowed entry visible to another descriptor: %v", err)
	}
	if db.Root() != (common.Hash{}) {
		t.Errorf("local stow moved the durable root")
	}

	// A second local stow composes onto the overlay.
	second := d.NewEntryID()
	if err := d.Put(second, []byte("two")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("C"))
	if err := d.Stow(false); err != nil {
		t.Fatalf("failed to stow locally: %v", err)
	}
	overlay = d.Overlay()
	if overlay.Source() != (common.Hash{}) || overlay.Target() != hashOf("C") {
		t.Errorf("composed overlay spans %x to %x", overlay.Source(), overlay.Target())
	}
	if overlay.Len() != 2 {
		t.Errorf("composed overlay records %d entries, wanted 2", overlay.Len())
	}
}

func TestDescriptor_PersistentStowRequiresWriteMode(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	if err := d.Put(d.NewEntryID(), []byte("x")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("B"))
	if err := d.Stow(true); !errors.Is(err, ErrWriteModeRequired) {
		t.Errorf("got %v, wanted a write mode error", err)
	}
}

func TestDescriptor_PersistentStowMakesStateDurable(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	id := commitChange(t, d, hashOf("B"), "payload")

	if db.Root() != hashOf("B") {
		t.Errorf("durable root is %x, wanted %x", db.Root(), hashOf("B"))
	}
	if d.PersistedRoot() != hashOf("B") {
		t.Errorf("descriptor base not moved to the committed root")
	}
	if d.Overlay() != nil {
		t.Errorf("persistent stow left an overlay")
	}
	if got, want := db.Journal().Length(), 1; got != want {
		t.Errorf("journal holds %d slots, wanted %d", got, want)
	}

	// Other descriptors read the committed state from the durable tables.
	other := db.NewDescriptor()
	if blob, err := other.Get(id); err != nil || !bytes.Equal(blob, []byte("payload")) {
		t.Errorf("committed entry resolves with %q / %v", blob, err)
	}
	if hash, err := other.GetHash(id); err != nil || hash != common.Keccak256([]byte("payload")) {
		t.Errorf("committed hash resolves with %x / %v", hash, err)
	}
}

func TestDescriptor_PersistentStowCombinesOverlayIntoOneFilter(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()

	first := d.NewEntryID()
	if err := d.Put(first, []byte("one")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("B"))
	if err := d.Stow(false); err != nil {
		t.Fatalf("failed to stow locally: %v", err)
	}

	second := d.NewEntryID()
	if err := d.Put(second, []byte("two")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("C"))
	if err := d.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to acquire write mode: %v", err)
	}
	if err := d.Stow(true); err != nil {
		t.Fatalf("failed to stow persistently: %v", err)
	}

	if got, want := db.Journal().Length(), 1; got != want {
		t.Fatalf("journal holds %d slots, wanted %d", got, want)
	}
	qid, _ := db.Journal().Slot(0)
	f, err := db.Journal().Filter(qid)
	if err != nil {
		t.Fatalf("failed to resolve committed filter: %v", err)
	}
	if f.Source() != (common.Hash{}) || f.Target() != hashOf("C") {
		t.Errorf("committed filter spans %x to %x", f.Source(), f.Target())
	}
	if f.Len() != 2 {
		t.Errorf("committed filter records %d entries, wanted 2", f.Len())
	}
}

func TestDescriptor_TombstonesRemoveDurableEntries(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()
	id := commitChange(t, d, hashOf("B"), "doomed")

	d.Delete(id)
	d.SetRoot(hashOf("C"))
	if err := d.Stow(true); err != nil {
		t.Fatalf("failed to stow persistently: %v", err)
	}

	other := db.NewDescriptor()
	if _, err := other.Get(id); !errors.Is(err, kvdb.ErrNotFound) {
		t.Errorf("durably deleted entry resolves with %v", err)
	}
	if _, err := other.GetHash(id); !errors.Is(err, kvdb.ErrNotFound) {
		t.Errorf("hash of durably deleted entry resolves with %v", err)
	}
}

func TestDescriptor_WriteModeTransfersOnlyFromCleanHolders(t *testing.T) {
	db := openTestDatabase(t)
	a := db.NewDescriptor()
	b := db.NewDescriptor()

	if err := a.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to acquire write mode: %v", err)
	}
	if err := a.Put(a.NewEntryID(), []byte("unsaved")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}

	// A dirty holder cannot be dispossessed.
	if err := b.AcquireWriteMode(); !errors.Is(err, ErrWriteModeHeld) {
		t.Fatalf("got %v, wanted a write mode held error", err)
	}
	if !a.HoldsWriteMode() || b.HoldsWriteMode() {
		t.Errorf("token moved despite the holder being dirty")
	}

	// Once the holder saved its state, the token transfers.
	a.SetRoot(hashOf("B"))
	if err := a.Stow(true); err != nil {
		t.Fatalf("failed to stow persistently: %v", err)
	}
	if err := b.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to take over the write mode: %v", err)
	}
	if !b.HoldsWriteMode() {
		t.Errorf("token not transferred")
	}

	// Releasing only affects the actual holder; a foreign release is a
	// no-op.
	c := db.NewDescriptor()
	if err := c.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to take over the write mode: %v", err)
	}
	a.ReleaseWriteMode()
	if err := c.Put(c.NewEntryID(), []byte("x")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	c.SetRoot(hashOf("C"))
	if err := c.Stow(true); err != nil {
		t.Errorf("holder lost the token through a foreign release: %v", err)
	}
}

func TestDescriptor_StaleBaseCannotCommit(t *testing.T) {
	db := openTestDatabase(t)
	a := db.NewDescriptor()
	b := db.NewDescriptor()

	commitChange(t, a, hashOf("B"), "first")
	a.ReleaseWriteMode()

	// b is still based on the pre-commit state.
	if err := b.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to acquire write mode: %v", err)
	}
	if err := b.Put(b.NewEntryID(), []byte("second")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	b.SetRoot(hashOf("X"))
	if err := b.Stow(true); !errors.Is(err, ErrStaleDescriptor) {
		t.Errorf("got %v, wanted a stale descriptor error", err)
	}
}

func TestDescriptor_ForkSharesOverlayButNotLocalState(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()

	stowed := d.NewEntryID()
	if err := d.Put(stowed, []byte("stowed")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("B"))
	if err := d.Stow(false); err != nil {
		t.Fatalf("failed to stow locally: %v", err)
	}
	unsaved := d.NewEntryID()
	if err := d.Put(unsaved, []byte("unsaved")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}

	fork := d.Fork()
	if fork.Overlay() != d.Overlay() {
		t.Errorf("fork does not share the overlay")
	}
	if blob, err := fork.Get(stowed); err != nil || !bytes.Equal(blob, []byte("stowed")) {
		t.Errorf("stowed entry resolves with %q / %v on the fork", blob, err)
	}
	if _, err := fork.Get(unsaved); !errors.Is(err, kvdb.ErrNotFound) {
		t.Errorf("unsaved local entry visible on the fork: %v", err)
	}
	if fork.Root() != hashOf("B") {
		t.Errorf("fork starts at root %x, wanted the overlay target", fork.Root())
	}

	// Modifications stay private on either side. Both descriptors
	// allocate the same ID on top of the shared overlay, each binding it
	// to its own value.
	private := fork.NewEntryID()
	if private != unsaved {
		t.Fatalf("fork allocator continues at %d instead of the overlay cursor", private)
	}
	if err := fork.Put(private, []byte("private")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	if blob, err := d.Get(unsaved); err != nil || !bytes.Equal(blob, []byte("unsaved")) {
		t.Errorf("fork-local modification leaked to the origin: %q / %v", blob, err)
	}
	if blob, err := fork.Get(private); err != nil || !bytes.Equal(blob, []byte("private")) {
		t.Errorf("origin state leaked into the fork: %q / %v", blob, err)
	}
}

func TestDescriptor_CommitDoesNotDisturbForeignOverlays(t *testing.T) {
	db := openTestDatabase(t)
	a := db.NewDescriptor()
	b := db.NewDescriptor()

	// a builds an independent local overlay.
	aID := a.NewEntryID()
	if err := a.Put(aID, []byte("a-local")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	a.SetRoot(hashOf("a-branch"))
	if err := a.Stow(false); err != nil {
		t.Fatalf("failed to stow locally: %v", err)
	}
	before := a.Overlay()

	// b commits an unrelated durable change.
	commitChange(t, b, hashOf("b-branch"), "b-durable")

	if a.Overlay() != before {
		t.Errorf("the foreign commit replaced a's overlay")
	}
	if blob, err := a.Get(aID); err != nil || !bytes.Equal(blob, []byte("a-local")) {
		t.Errorf("a's overlay entry resolves with %q / %v after the foreign commit", blob, err)
	}
	if a.Root() != hashOf("a-branch") {
		t.Errorf("the foreign commit moved a's working root")
	}
}

func TestDescriptor_OverlayStaysEqualToCommittedFilter(t *testing.T) {
	db := openTestDatabase(t)
	d := db.NewDescriptor()

	id := d.NewEntryID()
	if err := d.Put(id, []byte("shared")); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}
	d.SetRoot(hashOf("B"))
	if err := d.Stow(false); err != nil {
		t.Fatalf("failed to stow locally: %v", err)
	}

	// An observer holds onto the overlay while the origin commits it.
	observer := d.Fork()
	if err := d.AcquireWriteMode(); err != nil {
		t.Fatalf("failed to acquire write mode: %v", err)
	}
	if err := d.Stow(true); err != nil {
		t.Fatalf("failed to stow persistently: %v", err)
	}

	qid, _ := db.Journal().Slot(0)
	committed, err := db.Journal().Filter(qid)
	if err != nil {
		t.Fatalf("failed to resolve committed filter: %v", err)
	}
	if !committed.Equal(observer.Overlay()) {
		t.Errorf("observer overlay diverged from the committed filter")
	}
}
