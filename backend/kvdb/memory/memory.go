// Package memory provides an ephemeral in-memory implementation of the
// kvdb contract. It offers no durability and is intended for tests and
// throw-away databases.
package memory

import (
	"sync"
	"unsafe"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
)

// Database is an in-memory key/value store. It is safe for concurrent use.
type Database struct {
	lock sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory database.
func New() *Database {
	return &Database{data: map[string][]byte{}}
}

func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.data == nil {
		return nil, kvdb.ErrClosed
	}
	value, exists := db.data[string(key)]
	if !exists {
		return nil, kvdb.ErrNotFound
	}
	res := make([]byte, len(value))
	copy(res, value)
	return res, nil
}

func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.data == nil {
		return false, kvdb.ErrClosed
	}
	_, exists := db.data[string(key)]
	return exists, nil
}

func (db *Database) NewBatch() kvdb.Batch {
	return &batch{db: db}
}

func (db *Database) NewIterator() kvdb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	// The iterator runs over a snapshot of the content so that it is not
	// affected by concurrent modifications.
	keys := make([]string, 0, len(db.data))
	values := make([][]byte, 0, len(db.data))
	for key, value := range db.data {
		keys = append(keys, key)
		values = append(values, value)
	}
	return &iterator{keys: keys, values: values, pos: -1}
}

func (db *Database) Flush() error {
	return nil
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.data = nil
	return nil
}

func (db *Database) GetMemoryFootprint() *common.MemoryFootprint {
	db.lock.RLock()
	defer db.lock.RUnlock()
	var size uintptr
	for key, value := range db.data {
		size += uintptr(len(key) + len(value))
	}
	return common.NewMemoryFootprint(unsafe.Sizeof(*db) + size)
}

type batchOp struct {
	key    string
	value  []byte
	delete bool
}

type batch struct {
	db  *Database
	ops []batchOp
}

func (b *batch) Put(key, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	b.ops = append(b.ops, batchOp{key: string(key), value: stored})
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: string(key), delete: true})
	return nil
}

func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()
	if b.db.data == nil {
		return kvdb.ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, op.key)
		} else {
			b.db.data[op.key] = op.value
		}
	}
	return nil
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
}

type iterator struct {
	keys   []string
	values [][]byte
	pos    int
}

func (it *iterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		it.pos = len(it.keys)
		return false
	}
	it.pos++
	return true
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.pos])
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.values) {
		return nil
	}
	return it.values[it.pos]
}

func (it *iterator) Error() error {
	return nil
}

func (it *iterator) Release() {
	it.keys = nil
	it.values = nil
}
