package layered

import (
	"github.com/bun31/nimbus-eth1/common"
)

// TableSpace divides the physical key/value backend into spaces by adding
// a prefix to each key.
type TableSpace byte

const (
	// EntryTableKey is the tablespace for encoded structural entries.
	EntryTableKey TableSpace = 'E'
	// HashTableKey is the tablespace for content hashes of entries.
	HashTableKey TableSpace = 'H'
	// FilterTableKey is the tablespace for durable filters, keyed by
	// their packed queue ID.
	FilterTableKey TableSpace = 'F'
	// JournalStateKey is the tablespace of the journal bookkeeping record.
	JournalStateKey TableSpace = 'J'
	// StateRootKey is the tablespace of the persisted state root record.
	StateRootKey TableSpace = 'R'
)

// entryKey is a key of the entry and hash tables, composed of the
// tablespace and the entry ID.
type entryKey [1 + common.EntryIDSize]byte

func (k *entryKey) set(table TableSpace, id common.EntryID) {
	k[0] = byte(table)
	copy(k[1:], common.EntryIDSerializer{}.ToBytes(id))
}

// filterKey is a key of the filter table, composed of the tablespace and
// the packed queue ID of the filter's retention slot.
type filterKey [1 + 8]byte

func (k *filterKey) set(qid QueueID) {
	k[0] = byte(FilterTableKey)
	copy(k[1:], common.Uint64Serializer{}.ToBytes(qid.Pack()))
}

var (
	journalStateDbKey = []byte{byte(JournalStateKey)}
	stateRootDbKey    = []byte{byte(StateRootKey)}
)
