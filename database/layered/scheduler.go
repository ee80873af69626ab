package layered

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/exp/slices"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
)

const (
	// ErrNotRetained is reported by lookups for a filter ID outside the
	// range covered by the journal.
	ErrNotRetained = common.ConstError("filter not retained in journal")
	// ErrJournalFull indicates an insertion into a tier that is at
	// capacity and has no compaction configured.
	ErrJournalFull = common.ConstError("journal full and no compaction configured")
	// ErrInvalidLayout indicates a malformed journal configuration.
	ErrInvalidLayout = common.ConstError("invalid journal layout")
	// ErrLayoutMismatch indicates that the configured layout does not
	// match the one the journal was created with.
	ErrLayoutMismatch = common.ConstError("journal layout does not match persisted state")
	// ErrCorruptedJournal indicates that the persisted journal records
	// are inconsistent. Like a chain break, this is not recoverable for
	// the affected database instance.
	ErrCorruptedJournal = common.ConstError("journal state corrupted")
)

// TierConfig configures one retention tier of the journal.
type TierConfig struct {
	// Capacity is the maximum number of filters the tier retains.
	Capacity int
	// MergeFactor is the number of oldest filters combined into a single
	// entry of the next tier when this tier overflows. It must be zero
	// on the last tier, making an overflow of that tier a hard limit.
	MergeFactor int
}

// JournalLayout lists the retention tiers of the journal from the finest
// (tier 0, most recent history) to the coarsest.
type JournalLayout []TierConfig

// DefaultJournalLayout covers roughly 35k committed states, degrading
// the resolution of older history in two steps.
var DefaultJournalLayout = JournalLayout{
	{Capacity: 128, MergeFactor: 32},
	{Capacity: 64, MergeFactor: 16},
	{Capacity: 64, MergeFactor: 0},
}

func (l JournalLayout) validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrInvalidLayout)
	}
	if len(l) > 256 {
		return fmt.Errorf("%w: at most 256 tiers are addressable", ErrInvalidLayout)
	}
	for i, tier := range l {
		if tier.Capacity <= 0 {
			return fmt.Errorf("%w: tier %d has capacity %d", ErrInvalidLayout, i, tier.Capacity)
		}
		if tier.MergeFactor < 0 || tier.MergeFactor > tier.Capacity {
			return fmt.Errorf("%w: tier %d has merge factor %d for capacity %d", ErrInvalidLayout, i, tier.MergeFactor, tier.Capacity)
		}
		last := i == len(l)-1
		if last && tier.MergeFactor != 0 {
			return fmt.Errorf("%w: last tier cannot merge anywhere", ErrInvalidLayout)
		}
		if !last && tier.MergeFactor == 0 {
			return fmt.Errorf("%w: tier %d never merges, making tier %d unreachable", ErrInvalidLayout, i, i+1)
		}
	}
	return nil
}

func (l JournalLayout) equal(other JournalLayout) bool {
	return slices.Equal(l, other)
}

// slot is one live journal address together with its resident filter.
type slot struct {
	qid    QueueID
	filter *Filter
}

// Scheduler is the hierarchical FIFO journal of durable filters. It
// bounds the number of retained filters per tier and compacts the oldest
// entries of an overflowing tier into a coarser entry of the next tier.
//
// Slots are kept in two consistent views: per tier, ordered oldest
// first, and globally ordered by age across all tiers (higher tiers hold
// strictly older history than lower ones). Along the global order, the
// target root of every slot equals the source root of its successor.
//
// The scheduler itself performs no locking; the owning database
// serializes access to it.
type Scheduler struct {
	layout  JournalLayout
	tiers   [][]slot        // per tier, ordered oldest first
	order   []QueueID       // all live addresses, ordered oldest first
	index   map[QueueID]int // inverse of order
	nextPos []uint64        // next free position per tier
	nextFid FilterID
}

func newScheduler(layout JournalLayout) (*Scheduler, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		layout:  layout,
		tiers:   make([][]slot, len(layout)),
		index:   map[QueueID]int{},
		nextPos: make([]uint64, len(layout)),
		nextFid: 1,
	}, nil
}

// loadScheduler restores the journal from the bookkeeping and filter
// records stored in the given backend. A backend without a bookkeeping
// record yields a fresh empty journal.
func loadScheduler(db kvdb.Database, layout JournalLayout) (*Scheduler, error) {
	s, err := newScheduler(layout)
	if err != nil {
		return nil, err
	}
	data, err := db.Get(journalStateDbKey)
	if errors.Is(err, kvdb.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal state: %w", err)
	}
	state, err := decodeJournalState(data)
	if err != nil {
		return nil, err
	}
	if !layoutFromRLP(state.Layout).equal(layout) {
		return nil, fmt.Errorf("%w: configured %v, persisted %v", ErrLayoutMismatch, layout, layoutFromRLP(state.Layout))
	}
	if len(state.NextPos) != len(layout) {
		return nil, fmt.Errorf("%w: position counters do not match the layout", ErrCorruptedJournal)
	}
	s.nextFid = FilterID(state.NextFid)
	copy(s.nextPos, state.NextPos)
	for _, packed := range state.Slots {
		qid := UnpackQueueID(packed)
		if int(qid.Tier) >= len(s.tiers) {
			return nil, fmt.Errorf("%w: slot %v beyond configured tiers", ErrCorruptedJournal, qid)
		}
		var key filterKey
		key.set(qid)
		blob, err := db.Get(key[:])
		if errors.Is(err, kvdb.ErrNotFound) {
			return nil, fmt.Errorf("%w: filter record for slot %v missing", ErrCorruptedJournal, qid)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read filter record for slot %v: %w", qid, err)
		}
		filter, err := DeserializeFilter(blob)
		if err != nil {
			return nil, fmt.Errorf("filter record for slot %v: %w", qid, err)
		}
		s.tiers[qid.Tier] = append(s.tiers[qid.Tier], slot{qid: qid, filter: filter})
	}
	s.rebuildOrder()
	if len(s.order) != len(state.Slots) {
		return nil, fmt.Errorf("%w: duplicate slot addresses", ErrCorruptedJournal)
	}
	for i, qid := range s.order {
		if qid.Pack() != state.Slots[i] {
			return nil, fmt.Errorf("%w: persisted slot order violates tier ordering", ErrCorruptedJournal)
		}
	}
	for i := 0; i+1 < len(s.order); i++ {
		if s.mustSlot(s.order[i]).filter.trg != s.mustSlot(s.order[i+1]).filter.src {
			return nil, fmt.Errorf("%w: between slots %v and %v", ErrChainBreak, s.order[i], s.order[i+1])
		}
	}
	return s, nil
}

// Length returns the total number of live slots.
func (s *Scheduler) Length() int {
	return len(s.order)
}

// Occupancy returns the number of live slots in the given tier.
func (s *Scheduler) Occupancy(tier int) int {
	if tier < 0 || tier >= len(s.tiers) {
		return 0
	}
	return len(s.tiers[tier])
}

// Layout returns the configured tier layout.
func (s *Scheduler) Layout() JournalLayout {
	return slices.Clone(s.layout)
}

// Index returns the position of the given live address in the global
// oldest-to-newest order. Index and Slot are exact inverses over the
// live addresses.
func (s *Scheduler) Index(qid QueueID) (int, error) {
	pos, exists := s.index[qid]
	if !exists {
		return 0, fmt.Errorf("%w: no slot at %v", ErrNotRetained, qid)
	}
	return pos, nil
}

// Slot returns the live address at the given position of the global
// oldest-to-newest order.
func (s *Scheduler) Slot(index int) (QueueID, error) {
	if index < 0 || index >= len(s.order) {
		return QueueID{}, fmt.Errorf("%w: no slot at index %d", ErrNotRetained, index)
	}
	return s.order[index], nil
}

// Filter returns the filter resident at the given live address.
func (s *Scheduler) Filter(qid QueueID) (*Filter, error) {
	if _, exists := s.index[qid]; !exists {
		return nil, fmt.Errorf("%w: no slot at %v", ErrNotRetained, qid)
	}
	return s.mustSlot(qid).filter, nil
}

// Predecessor returns the address of the slot whose resident filter
// covers the given filter ID. Compaction collapses a contiguous run of
// IDs into one slot; any ID within that run resolves to the same
// address. IDs outside the retained range are reported as not retained.
func (s *Scheduler) Predecessor(fid FilterID) (QueueID, error) {
	for _, qid := range s.order {
		f := s.mustSlot(qid).filter
		if f.first <= fid && fid <= f.fid {
			return qid, nil
		}
	}
	return QueueID{}, fmt.Errorf("%w: filter %d outside the retained range", ErrNotRetained, fid)
}

// insert commits the given filter as the newest element of the journal,
// assigning it the next filter ID. Record updates are collected in the
// given batch; the caller writes the batch and is responsible for
// restoring a snapshot if the write fails.
func (s *Scheduler) insert(f *Filter, batch kvdb.Batch) error {
	f.fid = s.nextFid
	f.first = s.nextFid
	s.nextFid++
	if err := s.insertAt(0, f, batch); err != nil {
		return err
	}
	return s.persistState(batch)
}

func (s *Scheduler) insertAt(tier int, f *Filter, batch kvdb.Batch) error {
	if len(s.tiers[tier]) >= s.layout[tier].Capacity {
		if err := s.compact(tier, batch); err != nil {
			return err
		}
	}
	if prev := s.newestNotYoungerThan(tier); prev != nil && prev.filter.trg != f.src {
		return fmt.Errorf("%w: tier %d newest target %x, inserted source %x", ErrChainBreak, tier, prev.filter.trg, f.src)
	}
	qid := QueueID{Tier: uint8(tier), Pos: s.nextPos[tier]}
	s.nextPos[tier]++
	if err := s.writeFilter(qid, f, batch); err != nil {
		return err
	}
	s.tiers[tier] = append(s.tiers[tier], slot{qid: qid, filter: f})
	s.rebuildOrder()
	return nil
}

// compact vacates room in the given tier by merging its oldest
// merge-factor entries into a single coarser filter inserted into the
// next tier, cascading if that tier is itself at capacity.
func (s *Scheduler) compact(tier int, batch kvdb.Batch) error {
	factor := s.layout[tier].MergeFactor
	if factor <= 0 || tier+1 >= len(s.layout) {
		return fmt.Errorf("%w: tier %d is at capacity", ErrJournalFull, tier)
	}
	if factor > len(s.tiers[tier]) {
		factor = len(s.tiers[tier])
	}
	victims := s.tiers[tier][:factor]
	filters := make([]*Filter, 0, factor)
	for _, victim := range victims {
		filters = append(filters, victim.filter)
		var key filterKey
		key.set(victim.qid)
		if err := batch.Delete(key[:]); err != nil {
			return fmt.Errorf("failed to drop filter record %v: %w", victim.qid, err)
		}
	}
	merged, err := composeChain(filters)
	if err != nil {
		return err
	}
	s.tiers[tier] = slices.Clone(s.tiers[tier][factor:])
	return s.insertAt(tier+1, merged, batch)
}

// FetchDelete removes the given number of oldest slots across all tiers
// and returns the single filter representing their combined transition.
// The caller may re-insert the result through Reinsert to keep the far
// history reachable at reduced granularity. Record updates are collected
// in the given batch.
func (s *Scheduler) FetchDelete(n int, batch kvdb.Batch) (*Filter, error) {
	if n <= 0 || n > len(s.order) {
		return nil, fmt.Errorf("cannot evict %d of %d retained filters", n, len(s.order))
	}
	filters := make([]*Filter, 0, n)
	remaining := n
	for tier := len(s.tiers) - 1; tier >= 0 && remaining > 0; tier-- {
		count := remaining
		if count > len(s.tiers[tier]) {
			count = len(s.tiers[tier])
		}
		for _, victim := range s.tiers[tier][:count] {
			filters = append(filters, victim.filter)
			var key filterKey
			key.set(victim.qid)
			if err := batch.Delete(key[:]); err != nil {
				return nil, fmt.Errorf("failed to drop filter record %v: %w", victim.qid, err)
			}
		}
		s.tiers[tier] = slices.Clone(s.tiers[tier][count:])
		remaining -= count
	}
	merged, err := composeChain(filters)
	if err != nil {
		return nil, err
	}
	s.rebuildOrder()
	if err := s.persistState(batch); err != nil {
		return nil, err
	}
	return merged, nil
}

// Reinsert places a previously evicted composite filter back into the
// journal as its oldest element, at the given tier. The tier must form
// the oldest end of the journal and have room for one more slot.
func (s *Scheduler) Reinsert(tier int, f *Filter, batch kvdb.Batch) error {
	if tier < 0 || tier >= len(s.tiers) {
		return fmt.Errorf("%w: no tier %d", ErrInvalidLayout, tier)
	}
	for t := tier + 1; t < len(s.tiers); t++ {
		if len(s.tiers[t]) > 0 {
			return fmt.Errorf("%w: tier %d holds older history than tier %d", ErrInvalidLayout, t, tier)
		}
	}
	if len(s.tiers[tier]) >= s.layout[tier].Capacity {
		return fmt.Errorf("%w: tier %d is at capacity", ErrJournalFull, tier)
	}
	if len(s.order) > 0 {
		oldest := s.mustSlot(s.order[0]).filter
		if f.trg != oldest.src {
			return fmt.Errorf("%w: reinserted target %x, oldest retained source %x", ErrChainBreak, f.trg, oldest.src)
		}
	}
	qid := QueueID{Tier: uint8(tier), Pos: s.nextPos[tier]}
	s.nextPos[tier]++
	if err := s.writeFilter(qid, f, batch); err != nil {
		return err
	}
	s.tiers[tier] = append([]slot{{qid: qid, filter: f}}, s.tiers[tier]...)
	s.rebuildOrder()
	return s.persistState(batch)
}

func (s *Scheduler) writeFilter(qid QueueID, f *Filter, batch kvdb.Batch) error {
	data, err := f.Serialize()
	if err != nil {
		return err
	}
	var key filterKey
	key.set(qid)
	if err := batch.Put(key[:], data); err != nil {
		return fmt.Errorf("failed to write filter record %v: %w", qid, err)
	}
	return nil
}

// newestTarget returns the target root of the newest retained filter.
func (s *Scheduler) newestTarget() (common.Hash, bool) {
	if len(s.order) == 0 {
		return common.Hash{}, false
	}
	return s.mustSlot(s.order[len(s.order)-1]).filter.trg, true
}

// newestNotYoungerThan returns the newest slot of the given tier, or, if
// that tier is empty, the newest slot among the older tiers above it.
func (s *Scheduler) newestNotYoungerThan(tier int) *slot {
	for t := tier; t < len(s.tiers); t++ {
		if n := len(s.tiers[t]); n > 0 {
			return &s.tiers[t][n-1]
		}
	}
	return nil
}

func (s *Scheduler) mustSlot(qid QueueID) *slot {
	for i := range s.tiers[qid.Tier] {
		if s.tiers[qid.Tier][i].qid == qid {
			return &s.tiers[qid.Tier][i]
		}
	}
	panic(fmt.Sprintf("no slot at live address %v", qid))
}

// rebuildOrder refreshes the global age order and its inverse index.
// Higher tiers hold strictly older history, so the order is the
// concatenation of all tiers from the coarsest down to tier 0.
func (s *Scheduler) rebuildOrder() {
	s.order = s.order[:0]
	for tier := len(s.tiers) - 1; tier >= 0; tier-- {
		for _, sl := range s.tiers[tier] {
			s.order = append(s.order, sl.qid)
		}
	}
	s.index = make(map[QueueID]int, len(s.order))
	for i, qid := range s.order {
		s.index[qid] = i
	}
}

// schedulerSnapshot captures the in-memory state of the journal so that
// it can be restored when a batch write fails after the state was
// already modified.
type schedulerSnapshot struct {
	tiers   [][]slot
	nextPos []uint64
	nextFid FilterID
}

func (s *Scheduler) snapshot() schedulerSnapshot {
	tiers := make([][]slot, len(s.tiers))
	for i, tier := range s.tiers {
		tiers[i] = slices.Clone(tier)
	}
	return schedulerSnapshot{
		tiers:   tiers,
		nextPos: slices.Clone(s.nextPos),
		nextFid: s.nextFid,
	}
}

func (s *Scheduler) restore(snapshot schedulerSnapshot) {
	s.tiers = snapshot.tiers
	s.nextPos = snapshot.nextPos
	s.nextFid = snapshot.nextFid
	s.rebuildOrder()
}

func (s *Scheduler) GetMemoryFootprint() *common.MemoryFootprint {
	var size uintptr
	for _, qid := range s.order {
		f := s.mustSlot(qid).filter
		size += unsafe.Sizeof(*f)
		for _, entry := range f.entries {
			size += uintptr(len(entry.Blob)) + unsafe.Sizeof(entry)
		}
	}
	return common.NewMemoryFootprint(unsafe.Sizeof(*s) + size)
}

// --- persisted bookkeeping record ---

const journalStateEncodingVersion byte = 0

type tierConfigRLP struct {
	Capacity    uint32
	MergeFactor uint32
}

// journalStateRLP is the wire form of the journal bookkeeping: the tier
// layout, the ID and position counters, and the live slot addresses in
// global oldest-to-newest order.
type journalStateRLP struct {
	Layout  []tierConfigRLP
	NextFid uint64
	NextPos []uint64
	Slots   []uint64
}

func layoutFromRLP(tiers []tierConfigRLP) JournalLayout {
	layout := make(JournalLayout, 0, len(tiers))
	for _, tier := range tiers {
		layout = append(layout, TierConfig{Capacity: int(tier.Capacity), MergeFactor: int(tier.MergeFactor)})
	}
	return layout
}

func (s *Scheduler) persistState(batch kvdb.Batch) error {
	state := journalStateRLP{
		Layout:  make([]tierConfigRLP, 0, len(s.layout)),
		NextFid: uint64(s.nextFid),
		NextPos: slices.Clone(s.nextPos),
		Slots:   make([]uint64, 0, len(s.order)),
	}
	for _, tier := range s.layout {
		state.Layout = append(state.Layout, tierConfigRLP{Capacity: uint32(tier.Capacity), MergeFactor: uint32(tier.MergeFactor)})
	}
	for _, qid := range s.order {
		state.Slots = append(state.Slots, qid.Pack())
	}
	data, err := rlp.EncodeToBytes(&state)
	if err != nil {
		return fmt.Errorf("failed to encode journal state: %w", err)
	}
	if err := batch.Put(journalStateDbKey, append([]byte{journalStateEncodingVersion}, data...)); err != nil {
		return fmt.Errorf("failed to write journal state: %w", err)
	}
	return nil
}

func decodeJournalState(data []byte) (*journalStateRLP, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty journal state record", ErrMalformedEncoding)
	}
	if data[0] != journalStateEncodingVersion {
		return nil, fmt.Errorf("%w: unknown journal state version %d", ErrMalformedEncoding, data[0])
	}
	var state journalStateRLP
	if err := rlp.DecodeBytes(data[1:], &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return &state, nil
}
