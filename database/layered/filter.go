package layered

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
)

// ErrChainBreak indicates that two filters expected to form a chain do
// not fit together. A chain break found in the journal means the on-disk
// state is corrupted or there is a defect in the caller; it is not
// recoverable for the affected database instance.
const ErrChainBreak = common.ConstError("filter chain broken")

// FilterID is the monotonically increasing sequence number assigned to
// every filter made durable. Local overlay filters carry no ID.
type FilterID uint64

// Entry is the new state of one structural entry as recorded by a
// filter: its encoded form and the content hash of that encoding. An
// entry with an empty blob is a tombstone marking the entry as deleted;
// tombstones carry the zero hash.
type Entry struct {
	Blob []byte
	Hash common.Hash
}

// Deleted is true for tombstone entries.
func (e Entry) Deleted() bool {
	return len(e.Blob) == 0
}

func (e Entry) equal(other Entry) bool {
	return e.Hash == other.Hash && bytes.Equal(e.Blob, other.Blob)
}

// Filter is an immutable diff record describing the structural change
// between two trie states: the state root before, the state root after,
// the set of entries changed by the transition, and the allocator cursor
// needed to resume ID generation on top of the target state.
//
// Filters are value-immutable once constructed and may be shared by
// reference across descriptors. Two filters f and g with f.Target() ==
// g.Source() are composable; their composition is observably equivalent
// to applying f and then g.
type Filter struct {
	fid     FilterID // newest original filter covered, 0 while not durable
	first   FilterID // oldest original filter covered, == fid for uncompacted filters
	src     common.Hash
	trg     common.Hash
	entries map[common.EntryID]Entry
	vtop    common.EntryID
}

// newFilter wraps the given entry map into a filter. The map ownership
// passes to the filter; it must not be modified afterwards.
func newFilter(src, trg common.Hash, entries map[common.EntryID]Entry, vtop common.EntryID) *Filter {
	return &Filter{src: src, trg: trg, entries: entries, vtop: vtop}
}

// ID returns the sequence number of a durable filter, or 0 for a filter
// that has never been committed to a journal.
func (f *Filter) ID() FilterID {
	return f.fid
}

// First returns the oldest original filter ID covered by this filter.
// For filters never merged by compaction it equals ID.
func (f *Filter) First() FilterID {
	return f.first
}

// Source returns the state root the filter applies to.
func (f *Filter) Source() common.Hash {
	return f.src
}

// Target returns the state root reached by applying the filter.
func (f *Filter) Target() common.Hash {
	return f.trg
}

// Top returns the allocator cursor valid after applying the filter.
func (f *Filter) Top() common.EntryID {
	return f.vtop
}

// Get returns the entry recorded for the given ID, if any.
func (f *Filter) Get(id common.EntryID) (Entry, bool) {
	entry, exists := f.entries[id]
	return entry, exists
}

// Len returns the number of recorded entries, tombstones included.
func (f *Filter) Len() int {
	return len(f.entries)
}

// ForEach visits all recorded entries in unspecified order.
func (f *Filter) ForEach(visit func(common.EntryID, Entry)) {
	for id, entry := range f.entries {
		visit(id, entry)
	}
}

// IsEmpty is true for a filter that neither records entries nor moves
// the state root.
func (f *Filter) IsEmpty() bool {
	return len(f.entries) == 0 && f.src == f.trg
}

// Equal compares two filters by value: source and target roots, the
// recorded entry maps, and the allocator cursor. Sequence numbers are
// journal bookkeeping and do not take part in filter equality.
func (f *Filter) Equal(other *Filter) bool {
	if f == other {
		return true
	}
	if f == nil || other == nil {
		return false
	}
	if f.src != other.src || f.trg != other.trg || f.vtop != other.vtop {
		return false
	}
	if len(f.entries) != len(other.entries) {
		return false
	}
	for id, entry := range f.entries {
		if o, exists := other.entries[id]; !exists || !entry.equal(o) {
			return false
		}
	}
	return true
}

// EqualOn compares two filters relative to a live backend. Filters that
// disagree only on entries not materially relevant are still considered
// backend-equivalent: an entry recorded by one filter and omitted by the
// other is accepted if it matches what the backend stores anyway (e.g.
// a tombstone for an entry the backend already lacks).
func (f *Filter) EqualOn(other *Filter, db kvdb.Database) (bool, error) {
	if f == nil || other == nil {
		return f == other, nil
	}
	if f.src != other.src || f.trg != other.trg || f.vtop != other.vtop {
		return false, nil
	}
	for id, entry := range f.entries {
		if o, exists := other.entries[id]; exists {
			if !entry.equal(o) {
				return false, nil
			}
			continue
		}
		if ok, err := matchesBackend(db, id, entry); !ok || err != nil {
			return false, err
		}
	}
	for id, entry := range other.entries {
		if _, exists := f.entries[id]; exists {
			continue
		}
		if ok, err := matchesBackend(db, id, entry); !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}

// matchesBackend checks whether the given entry states exactly what the
// backend is currently storing for the ID.
func matchesBackend(db kvdb.Database, id common.EntryID, entry Entry) (bool, error) {
	var key entryKey
	key.set(EntryTableKey, id)
	blob, err := db.Get(key[:])
	if errors.Is(err, kvdb.ErrNotFound) {
		return entry.Deleted(), nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve entry %d against backend: %w", id, err)
	}
	return !entry.Deleted() && bytes.Equal(entry.Blob, blob), nil
}

// compose merges two consecutive filters into one spanning the combined
// transition, later entries winning over earlier ones. A nil filter acts
// as the identity. The result is always a fresh filter object.
func compose(f, g *Filter) (*Filter, error) {
	if f == nil && g == nil {
		return nil, nil
	}
	if f == nil {
		res := *g
		return &res, nil
	}
	if g == nil {
		res := *f
		return &res, nil
	}
	if f.trg != g.src {
		return nil, fmt.Errorf("%w: target %x does not match source %x", ErrChainBreak, f.trg, g.src)
	}
	entries := make(map[common.EntryID]Entry, len(f.entries)+len(g.entries))
	for id, entry := range f.entries {
		entries[id] = entry
	}
	for id, entry := range g.entries {
		entries[id] = entry
	}
	return &Filter{
		fid:     g.fid,
		first:   f.first,
		src:     f.src,
		trg:     g.trg,
		entries: entries,
		vtop:    g.vtop,
	}, nil
}

// composeChain folds a non-empty sequence of consecutive filters into a
// single filter spanning from the first source to the last target.
func composeChain(filters []*Filter) (*Filter, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrChainBreak)
	}
	res := filters[0]
	for _, next := range filters[1:] {
		merged, err := compose(res, next)
		if err != nil {
			return nil, err
		}
		res = merged
	}
	if res == filters[0] {
		clone := *res
		return &clone, nil
	}
	return res, nil
}
