// Package ldb provides a durable implementation of the kvdb contract on
// top of LevelDB. Batches are written synchronously, so a successful
// batch write is on disk when it returns.
package ldb

import (
	"fmt"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
	"github.com/pbnjay/memory"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const maxWriteBufferSize = 256 * 1024 * 1024

// Database is a LevelDB-backed key/value store.
type Database struct {
	db      *leveldb.DB
	options *opt.Options
}

// Open opens (or creates) a LevelDB instance in the given directory.
// A nil options value selects defaults sized from the available memory.
func Open(path string, options *opt.Options) (*Database, error) {
	if options == nil {
		options = defaultOptions()
	}
	db, err := leveldb.OpenFile(path, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB in %s: %w", path, err)
	}
	return &Database{db: db, options: options}, nil
}

// defaultOptions sizes the write buffer to a fraction of the total system
// memory, capped so that small machines are not starved.
func defaultOptions() *opt.Options {
	buffer := memory.TotalMemory() / 64
	if buffer > maxWriteBufferSize {
		buffer = maxWriteBufferSize
	}
	return &opt.Options{WriteBuffer: int(buffer)}
}

func (d *Database) Get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, kvdb.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("LevelDB read failed: %w", err)
	}
	return value, nil
}

func (d *Database) Has(key []byte) (bool, error) {
	exists, err := d.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("LevelDB read failed: %w", err)
	}
	return exists, nil
}

func (d *Database) NewBatch() kvdb.Batch {
	return &batch{db: d.db}
}

func (d *Database) NewIterator() kvdb.Iterator {
	// the LevelDB iterator satisfies the kvdb contract directly
	return d.db.NewIterator(nil, nil)
}

func (d *Database) Flush() error {
	// all batches are written synchronously, nothing is buffered here
	return nil
}

func (d *Database) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close LevelDB: %w", err)
	}
	return nil
}

func (d *Database) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(0)
	mf.AddChild("writeBuffer", common.NewMemoryFootprint(uintptr(d.options.GetWriteBuffer())))
	var stats leveldb.DBStats
	if err := d.db.Stats(&stats); err == nil {
		mf.AddChild("blockCache", common.NewMemoryFootprint(uintptr(stats.BlockCacheSize)))
	}
	return mf
}

type batch struct {
	db    *leveldb.DB
	batch leveldb.Batch
}

func (b *batch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

func (b *batch) Write() error {
	if err := b.db.Write(&b.batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("LevelDB batch write failed: %w", err)
	}
	return nil
}

func (b *batch) Reset() {
	b.batch.Reset()
}
