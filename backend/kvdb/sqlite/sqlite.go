// Package sqlite provides a durable implementation of the kvdb contract
// on top of SQLite. All pairs live in a single key/value table; batches
// are applied within one transaction.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/common"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// See https://www.sqlite.org/pragma.html
	kConfigureConnection = []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA locking_mode = EXCLUSIVE",
	}
)

const (
	kCreateKvTable = "CREATE TABLE IF NOT EXISTS kv (key BLOB PRIMARY KEY, value BLOB)"
	kGetStmt       = "SELECT value FROM kv WHERE key = ?"
	kHasStmt       = "SELECT 1 FROM kv WHERE key = ?"
	kPutStmt       = "INSERT INTO kv(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value = excluded.value"
	kDeleteStmt    = "DELETE FROM kv WHERE key = ?"
	kIterateStmt   = "SELECT key, value FROM kv"
)

// Database is a SQLite-backed key/value store.
type Database struct {
	db      *sql.DB
	lock    *common.FileLock
	getStmt *sql.Stmt
	hasStmt *sql.Stmt
}

// Open opens (or creates) a SQLite database in the given directory.
// SQLite does not lock its files against other processes in this setup,
// so the directory is guarded by an explicit lock file.
func Open(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	lock, err := common.CreateLockFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(dir, "data.sqlite"))
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	for _, cmd := range kConfigureConnection {
		if _, err := db.Exec(cmd); err != nil {
			return nil, errors.Join(
				fmt.Errorf("failed to configure connection with %s: %w", cmd, err),
				db.Close(), lock.Release())
		}
	}
	if _, err := db.Exec(kCreateKvTable); err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to create kv table: %w", err),
			db.Close(), lock.Release())
	}
	getStmt, err := db.Prepare(kGetStmt)
	if err != nil {
		return nil, errors.Join(err, db.Close(), lock.Release())
	}
	hasStmt, err := db.Prepare(kHasStmt)
	if err != nil {
		return nil, errors.Join(err, db.Close(), lock.Release())
	}
	return &Database{db: db, lock: lock, getStmt: getStmt, hasStmt: hasStmt}, nil
}

func (d *Database) Get(key []byte) ([]byte, error) {
	var value []byte
	err := d.getStmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kvdb.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("SQLite read failed: %w", err)
	}
	return value, nil
}

func (d *Database) Has(key []byte) (bool, error) {
	var one int
	err := d.hasStmt.QueryRow(key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("SQLite read failed: %w", err)
	}
	return true, nil
}

func (d *Database) NewBatch() kvdb.Batch {
	return &batch{db: d.db}
}

func (d *Database) NewIterator() kvdb.Iterator {
	rows, err := d.db.Query(kIterateStmt)
	if err != nil {
		return &iterator{err: fmt.Errorf("SQLite iteration failed: %w", err)}
	}
	return &iterator{rows: rows}
}

func (d *Database) Flush() error {
	// every batch is committed in its own transaction
	return nil
}

func (d *Database) Close() error {
	return errors.Join(
		d.getStmt.Close(),
		d.hasStmt.Close(),
		d.db.Close(),
		d.lock.Release(),
	)
}

func (d *Database) GetMemoryFootprint() *common.MemoryFootprint {
	return common.NewMemoryFootprint(unsafe.Sizeof(*d))
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	db  *sql.DB
	ops []batchOp
}

func (b *batch) Put(key, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, batchOp{key: k, value: v})
	return nil
}

func (b *batch) Delete(key []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	b.ops = append(b.ops, batchOp{key: k, delete: true})
	return nil
}

func (b *batch) Write() error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start SQLite transaction: %w", err)
	}
	for _, op := range b.ops {
		if op.delete {
			_, err = tx.Exec(kDeleteStmt, op.key)
		} else {
			_, err = tx.Exec(kPutStmt, op.key, op.value)
		}
		if err != nil {
			return errors.Join(
				fmt.Errorf("SQLite batch write failed: %w", err),
				tx.Rollback())
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit SQLite transaction: %w", err)
	}
	return nil
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
}

type iterator struct {
	rows  *sql.Rows
	key   []byte
	value []byte
	err   error
}

func (it *iterator) Next() bool {
	if it.err != nil || it.rows == nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	if err := it.rows.Scan(&it.key, &it.value); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *iterator) Key() []byte {
	return it.key
}

func (it *iterator) Value() []byte {
	return it.value
}

func (it *iterator) Error() error {
	return it.err
}

func (it *iterator) Release() {
	if it.rows != nil {
		it.rows.Close()
		it.rows = nil
	}
}
