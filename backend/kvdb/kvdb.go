// Package kvdb defines the contract between the layered persistence core
// and the physical key/value engines backing it. Implementations store
// opaque byte keys and values, support atomic multi-key batch writes, and
// full-range iteration in unspecified order.
package kvdb

import (
	"github.com/bun31/nimbus-eth1/common"
)

//go:generate mockgen -source kvdb.go -destination kvdb_mocks.go -package kvdb

const (
	// ErrNotFound is reported by Get when the requested key is not present.
	ErrNotFound = common.ConstError("key not found")
	// ErrClosed is reported by operations on a closed database.
	ErrClosed = common.ConstError("database closed")
)

// Database is a physical key/value engine. All implementations guarantee
// that a batch committed through Write is applied atomically and, for
// durable implementations, that it is on disk when Write returns.
type Database interface {
	// Get returns the value stored for the given key, or ErrNotFound.
	// The returned slice is owned by the caller.
	Get(key []byte) ([]byte, error)

	// Has returns true if the database contains the given key.
	Has(key []byte) (bool, error)

	// NewBatch creates an empty write batch bound to this database.
	NewBatch() Batch

	// NewIterator iterates all key/value pairs currently in the database.
	// The iteration order is unspecified. The iterator must be released
	// after use.
	NewIterator() Iterator

	common.FlushAndCloser
	common.MemoryFootprintProvider
}

// Batch collects updates to be applied to a Database in one atomic write.
// A batch is not safe for concurrent use.
type Batch interface {
	// Put schedules the given key/value pair to be written.
	// It is safe to modify the arguments after Put returns.
	Put(key, value []byte) error

	// Delete schedules the given key to be removed.
	Delete(key []byte) error

	// Write applies all collected updates atomically. After a successful
	// write the batch may be reused after a Reset.
	Write() error

	// Reset discards all collected updates.
	Reset()
}

// Iterator walks the key/value pairs of a Database. It starts positioned
// before the first pair; Next advances it and reports whether a pair is
// available. Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte

	// Error reports an iteration failure, if any. It must be checked
	// after Next returns false.
	Error() error

	// Release frees resources associated with the iterator.
	Release()
}
