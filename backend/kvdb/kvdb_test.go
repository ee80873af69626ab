package kvdb_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/backend/kvdb/ldb"
	"github.com/bun31/nimbus-eth1/backend/kvdb/memory"
	"github.com/bun31/nimbus-eth1/backend/kvdb/sqlite"
)

type dbFactory struct {
	label string
	open  func(tb testing.TB, dir string) kvdb.Database
}

func getDbFactories() []dbFactory {
	return []dbFactory{
		{
			label: "Memory",
			open: func(tb testing.TB, dir string) kvdb.Database {
				return memory.New()
			},
		},
		{
			label: "LevelDB",
			open: func(tb testing.TB, dir string) kvdb.Database {
				db, err := ldb.Open(dir, nil)
				if err != nil {
					tb.Fatalf("failed to open LevelDB: %v", err)
				}
				return db
			},
		},
		{
			label: "SQLite",
			open: func(tb testing.TB, dir string) kvdb.Database {
				db, err := sqlite.Open(dir)
				if err != nil {
					tb.Fatalf("failed to open SQLite: %v", err)
				}
				return db
			},
		},
	}
}

func TestDatabase_MissingKeyIsReported(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			defer db.Close()

			if _, err := db.Get([]byte("missing")); !errors.Is(err, kvdb.ErrNotFound) {
				t.Errorf("missing key should report ErrNotFound, got %v", err)
			}
			exists, err := db.Has([]byte("missing"))
			if err != nil {
				t.Fatalf("Has failed: %v", err)
			}
			if exists {
				t.Errorf("missing key reported as present")
			}
		})
	}
}

func TestDatabase_BatchWriteIsVisible(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			defer db.Close()

			batch := db.NewBatch()
			if err := batch.Put([]byte("a"), []byte("1")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := batch.Put([]byte("b"), []byte("2")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := batch.Write(); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			value, err := db.Get([]byte("a"))
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(value, []byte("1")) {
				t.Errorf("unexpected value %q", value)
			}
		})
	}
}

func TestDatabase_BatchCanOverwriteAndDelete(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			defer db.Close()

			batch := db.NewBatch()
			batch.Put([]byte("a"), []byte("1"))
			batch.Put([]byte("b"), []byte("2"))
			if err := batch.Write(); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			batch.Reset()
			batch.Put([]byte("a"), []byte("3"))
			batch.Delete([]byte("b"))
			if err := batch.Write(); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			value, err := db.Get([]byte("a"))
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(value, []byte("3")) {
				t.Errorf("overwrite not applied, got %q", value)
			}
			if _, err := db.Get([]byte("b")); !errors.Is(err, kvdb.ErrNotFound) {
				t.Errorf("deleted key should report ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDatabase_EmptyValueIsDistinctFromAbsence(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			defer db.Close()

			batch := db.NewBatch()
			batch.Put([]byte("empty"), []byte{})
			if err := batch.Write(); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			value, err := db.Get([]byte("empty"))
			if err != nil {
				t.Fatalf("key with empty value should be found, got %v", err)
			}
			if len(value) != 0 {
				t.Errorf("unexpected value %q", value)
			}
		})
	}
}

func TestDatabase_IterationCoversAllPairs(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			defer db.Close()

			want := map[string]string{"a": "1", "b": "2", "c": "3"}
			batch := db.NewBatch()
			for key, value := range want {
				batch.Put([]byte(key), []byte(value))
			}
			if err := batch.Write(); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			got := map[string]string{}
			it := db.NewIterator()
			for it.Next() {
				got[string(it.Key())] = string(it.Value())
			}
			if err := it.Error(); err != nil {
				t.Fatalf("iteration failed: %v", err)
			}
			it.Release()

			if len(got) != len(want) {
				t.Fatalf("unexpected number of pairs %d, wanted %d", len(got), len(want))
			}
			for key, value := range want {
				if got[key] != value {
					t.Errorf("unexpected value for %s: got %s, wanted %s", key, got[key], value)
				}
			}
		})
	}
}

func TestDatabase_FlushAndCloseSucceed(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			if err := db.Flush(); err != nil {
				t.Errorf("Flush failed: %v", err)
			}
			if err := db.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}

func TestDatabase_MemoryFootprintIsReported(t *testing.T) {
	for _, factory := range getDbFactories() {
		t.Run(factory.label, func(t *testing.T) {
			db := factory.open(t, t.TempDir())
			defer db.Close()
			if db.GetMemoryFootprint() == nil {
				t.Errorf("no memory footprint reported")
			}
		})
	}
}
