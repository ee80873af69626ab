package layered

import (
	"bytes"
	"errors"
	"fmt"
	"unsafe"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
)

// ErrOpenTransaction is reported by a stow attempted while transaction
// frames are still open on the descriptor.
const ErrOpenTransaction = common.ConstError("descriptor has open transaction frames")

// frame saves the cursors restored by a transaction rollback. The entry
// modifications themselves live in the corresponding layer of the stack.
type frame struct {
	root common.Hash
	vtop common.EntryID
}

// Descriptor is a session handle onto the database. It stacks local
// entry modifications on top of the shared durable state, where newer
// layers shadow older ones and the durable tables form the bottom.
// Between the local layers and the durable tables sits the read-only
// overlay filter holding changes that were stowed locally but not yet
// made durable.
//
// A descriptor is a single-goroutine object. Multiple descriptors on the
// same database are isolated from each other until one of them commits
// durably.
type Descriptor struct {
	db    *Database
	stack *layerStack[common.EntryID, Entry]

	frames   []frame
	roFilter *Filter // stowed, not yet durable; nil if none

	baseRoot common.Hash    // durable root this descriptor is based on
	baseVtop common.EntryID // durable allocator cursor at base time
	root     common.Hash    // working state root
	vtop     common.EntryID

	writeMode bool
}

// Get returns the entry blob stored for the given ID, resolving the
// local layers first, then the overlay filter, then the durable table.
// A tombstone on any level reports the entry as not found. The returned
// slice is owned by the caller.
func (d *Descriptor) Get(id common.EntryID) ([]byte, error) {
	if entry, exists := d.resolve(id); exists {
		if entry.Deleted() {
			return nil, kvdb.ErrNotFound
		}
		return bytes.Clone(entry.Blob), nil
	}
	return d.db.getEntry(id)
}

// GetHash returns the content hash of the entry stored for the given ID,
// following the same resolution order as Get.
func (d *Descriptor) GetHash(id common.EntryID) (common.Hash, error) {
	if entry, exists := d.resolve(id); exists {
		if entry.Deleted() {
			return common.Hash{}, kvdb.ErrNotFound
		}
		return entry.Hash, nil
	}
	return d.db.getHash(id)
}

// Has reports whether an entry is stored for the given ID.
func (d *Descriptor) Has(id common.EntryID) (bool, error) {
	_, err := d.GetHash(id)
	if errors.Is(err, kvdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Descriptor) resolve(id common.EntryID) (Entry, bool) {
	if entry, exists := d.stack.Get(id); exists {
		return entry, true
	}
	if d.roFilter != nil {
		if entry, exists := d.roFilter.Get(id); exists {
			return entry, true
		}
	}
	return Entry{}, false
}

// Put records the given blob for the given ID in the top local layer,
// shadowing any older value. The blob is copied; it must not be empty.
func (d *Descriptor) Put(id common.EntryID, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("empty blob for entry %d, use Delete to remove entries", id)
	}
	d.stack.Put(id, Entry{Blob: bytes.Clone(blob), Hash: common.Keccak256(blob)})
	return nil
}

// Delete records a tombstone for the given ID in the top local layer.
// Deleting an entry that does not exist is not an error; the tombstone
// shadows whatever older levels may hold.
func (d *Descriptor) Delete(id common.EntryID) {
	d.stack.Put(id, Entry{})
}

// NewEntryID allocates the next unused entry ID. IDs are never reused;
// a rollback returns the allocator to its position at the frame start.
func (d *Descriptor) NewEntryID() common.EntryID {
	id := d.vtop
	d.vtop++
	return id
}

// Root returns the working state root of the descriptor.
func (d *Descriptor) Root() common.Hash {
	return d.root
}

// SetRoot announces the state root describing the pending local
// modifications. It becomes the target root of the filter produced by
// the next stow.
func (d *Descriptor) SetRoot(root common.Hash) {
	d.root = root
}

// PersistedRoot returns the durable root this descriptor is based on.
func (d *Descriptor) PersistedRoot() common.Hash {
	return d.baseRoot
}

// Begin opens a transaction frame. Modifications made while the frame is
// open are folded into the enclosing level by Commit or discarded by
// Rollback.
func (d *Descriptor) Begin() {
	d.frames = append(d.frames, frame{root: d.root, vtop: d.vtop})
	d.stack.Push()
}

// Commit folds the top transaction frame into the enclosing level.
func (d *Descriptor) Commit() error {
	if len(d.frames) == 0 {
		return fmt.Errorf("no open transaction frame to commit")
	}
	d.frames = d.frames[:len(d.frames)-1]
	d.stack.Merge()
	return nil
}

// Rollback discards all modifications of the top transaction frame and
// restores the state root and the ID allocator to the frame start.
func (d *Descriptor) Rollback() error {
	if len(d.frames) == 0 {
		return fmt.Errorf("no open transaction frame to roll back")
	}
	top := d.frames[len(d.frames)-1]
	d.frames = d.frames[:len(d.frames)-1]
	d.stack.Drop()
	d.root = top.root
	d.vtop = top.vtop
	return nil
}

// Stow turns the accumulated local modifications into a filter. With
// persistent set to false the filter is composed onto the local overlay,
// clearing the layer stack but leaving the durable state untouched. With
// persistent set to true the overlay and the new filter are combined
// into a single filter that is journaled and applied to the durable
// tables in one atomic batch; this requires the write mode and fails
// with ErrStaleDescriptor if another descriptor committed since this one
// was based.
//
// All transaction frames must be closed before stowing.
func (d *Descriptor) Stow(persistent bool) error {
	if len(d.frames) > 0 {
		return fmt.Errorf("%w: %d frames open", ErrOpenTransaction, len(d.frames))
	}
	var candidate *Filter
	if entries := d.stack.Collapse(d.stack.Depth() - 1); len(entries) > 0 || d.root != d.overlayTarget() {
		candidate = newFilter(d.overlayTarget(), d.root, entries, d.vtop)
	}
	if !persistent {
		overlay, err := compose(d.roFilter, candidate)
		if err != nil {
			return err
		}
		d.roFilter = overlay
		d.stack.Clear()
		return nil
	}
	if err := d.db.commit(d, candidate, d.vtop); err != nil {
		return err
	}
	d.roFilter = nil
	d.baseRoot = d.root
	d.baseVtop = d.vtop
	d.stack.Clear()
	return nil
}

// overlayTarget returns the state root the local layers apply to.
func (d *Descriptor) overlayTarget() common.Hash {
	if d.roFilter != nil {
		return d.roFilter.trg
	}
	return d.baseRoot
}

// Overlay returns the filter holding the locally stowed, not yet durable
// modifications, or nil. The returned filter must not be modified.
func (d *Descriptor) Overlay() *Filter {
	return d.roFilter
}

// AcquireWriteMode requests the advisory write token of the database. A
// token held by another descriptor is taken over only if that descriptor
// has no unsaved local state; otherwise ErrWriteModeHeld is reported.
func (d *Descriptor) AcquireWriteMode() error {
	if err := d.db.acquireWriteMode(d); err != nil {
		return err
	}
	d.writeMode = true
	return nil
}

// ReleaseWriteMode returns the write token if this descriptor holds it.
func (d *Descriptor) ReleaseWriteMode() {
	d.db.releaseWriteMode(d)
	d.writeMode = false
}

// HoldsWriteMode reports whether this descriptor holds the write token.
func (d *Descriptor) HoldsWriteMode() bool {
	return d.writeMode
}

// Fork creates a descriptor sharing this descriptor's overlay filter but
// with an empty layer stack. The overlay is immutable and shared by
// reference; modifications made on either descriptor afterwards are not
// visible to the other.
func (d *Descriptor) Fork() *Descriptor {
	return &Descriptor{
		db:       d.db,
		stack:    newLayerStack[common.EntryID, Entry](),
		roFilter: d.roFilter,
		baseRoot: d.baseRoot,
		baseVtop: d.baseVtop,
		root:     d.overlayTarget(),
		vtop:     d.overlayVtop(),
	}
}

// overlayVtop returns the allocator cursor valid on top of the overlay.
func (d *Descriptor) overlayVtop() common.EntryID {
	if d.roFilter != nil {
		return d.roFilter.vtop
	}
	return d.baseVtop
}

// isDirty reports whether the descriptor carries state that would be
// lost by abandoning it.
func (d *Descriptor) isDirty() bool {
	return d.stack.Size() > 0 || d.roFilter != nil || len(d.frames) > 0
}

func (d *Descriptor) GetMemoryFootprint() *common.MemoryFootprint {
	size := unsafe.Sizeof(*d)
	d.stack.ForEach(func(_ common.EntryID, entry Entry) {
		size += unsafe.Sizeof(entry) + uintptr(len(entry.Blob))
	})
	if d.roFilter != nil {
		d.roFilter.ForEach(func(_ common.EntryID, entry Entry) {
			size += unsafe.Sizeof(entry) + uintptr(len(entry.Blob))
		})
	}
	return common.NewMemoryFootprint(size)
}
