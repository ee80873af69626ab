package common

// Hash is a 32-byte state root or content hash. The core treats hashes as
// opaque identifiers; they are produced by the trie layer or by Keccak256.
type Hash [32]byte

// EntryID identifies one structural entry of the trie storage. Fresh IDs
// are handed out by an allocator cursor that travels with every committed
// filter. The zero ID is reserved and never allocated.
type EntryID uint64

const (
	HashSize    = 32
	EntryIDSize = 8

	// FirstEntryID is the lowest ID the allocator may hand out.
	FirstEntryID EntryID = 1
)
