package hamsterdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hamsterdb/hamsterdb/common"
)

const testDB = 1

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestCreateOpenReopenPutGet(t *testing.T) {
	path := tempDBPath(t)

	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if _, err := db.Put([]byte("alice"), []byte("30"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env2, err := Open(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer env2.Close()
	db2, err := env2.OpenDatabase(testDB, nil, nil)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	value, err := db2.Get([]byte("alice"), 0)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(value) != "30" {
		t.Fatalf("expected 30, got %s", value)
	}
}

func TestReopenCanWriteWithoutCorruptingExistingPages(t *testing.T) {
	// Regression: Open used to rebuild an empty freelist, so the very
	// next allocation after a reopen could land on a page the tree or
	// blob store already occupied.
	path := tempDBPath(t)

	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	for i := 0; i < 64; i++ {
		key := []byte{byte(i)}
		if _, err := db.Put(key, make([]byte, 256), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env2, err := Open(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer env2.Close()
	db2, err := env2.OpenDatabase(testDB, nil, nil)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	for i := 0; i < 64; i++ {
		key := []byte{byte(i)}
		if _, err := db2.Get(key, 0); err != nil {
			t.Fatalf("Get %d after reopen: %v (existing page clobbered)", i, err)
		}
	}
	for i := 64; i < 128; i++ {
		key := []byte{byte(i)}
		if _, err := db2.Put(key, make([]byte, 256), 0); err != nil {
			t.Fatalf("Put %d after reopen: %v", i, err)
		}
	}
	for i := 0; i < 128; i++ {
		key := []byte{byte(i)}
		if _, err := db2.Get(key, 0); err != nil {
			t.Fatalf("Get %d after post-reopen writes: %v", i, err)
		}
	}
}

func TestCommittedTransactionSurvivesCrashRecovery(t *testing.T) {
	path := tempDBPath(t)
	cfg := DefaultEnvironmentConfig()
	cfg.Flags |= common.FlagDontClearLog

	env, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	txn, err := env.BeginTxn(0)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := db.Put([]byte("bob"), []byte("committed"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := env.CommitTxn(txn); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopenCfg := cfg
	reopenCfg.Flags |= common.FlagAutoRecovery
	env2, err := Open(path, reopenCfg)
	if err != nil {
		t.Fatalf("Open with recovery: %v", err)
	}
	defer env2.Close()
	db2, err := env2.OpenDatabase(testDB, nil, nil)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	value, err := db2.Get([]byte("bob"), 0)
	if err != nil {
		t.Fatalf("Get bob after recovery: %v", err)
	}
	if string(value) != "committed" {
		t.Fatalf("expected committed, got %s", value)
	}
}

func TestAbortedTransactionDoesNotSurviveReopen(t *testing.T) {
	path := tempDBPath(t)

	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	txn, err := env.BeginTxn(0)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := db.Put([]byte("carol"), []byte("rolled-back"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := env.AbortTxn(txn); err != nil {
		t.Fatalf("AbortTxn: %v", err)
	}
	if _, err := db.Get([]byte("carol"), 0); err == nil {
		t.Fatalf("expected carol to be gone after abort, found it live")
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env2, err := Open(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer env2.Close()
	db2, err := env2.OpenDatabase(testDB, nil, nil)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	if _, err := db2.Get([]byte("carol"), 0); err == nil {
		t.Fatalf("expected carol to stay gone after reopen, found it live")
	}
}

func TestRecordNumberDatabaseAssignsAscendingKeys(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()

	cfg := DefaultDatabaseConfig(testDB)
	cfg.Flags |= common.FlagRecordNumber
	db, err := env.CreateDatabase(cfg)
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	var keys [][]byte
	for i := 0; i < 3; i++ {
		key, err := db.Put(nil, []byte("x"), 0)
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		if string(keys[i]) <= string(keys[i-1]) {
			t.Fatalf("expected ascending record-number keys, got %x then %x", keys[i-1], keys[i])
		}
	}
}

func TestSortedDuplicatesIterateInOrder(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()

	cfg := DefaultDatabaseConfig(testDB)
	cfg.Flags |= common.FlagEnableDuplicates | common.FlagSortDuplicates
	db, err := env.CreateDatabase(cfg)
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	for _, v := range []string{"zebra", "apple", "mango"} {
		if _, err := db.Put([]byte("tag"), []byte(v), common.FlagDuplicate); err != nil {
			t.Fatalf("Put %s: %v", v, err)
		}
	}

	c := db.Cursor()
	defer c.Close()
	if err := c.Find([]byte("tag"), common.FlagFindExactMatch); err != nil {
		t.Fatalf("Find: %v", err)
	}
	count, err := c.GetDuplicateCount()
	if err != nil {
		t.Fatalf("GetDuplicateCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 duplicates, got %d", count)
	}
	want := []string{"apple", "mango", "zebra"}
	for i, w := range want {
		rec, err := c.Record()
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if string(rec) != w {
			t.Fatalf("duplicate %d: expected %s, got %s", i, w, rec)
		}
		if i+1 < len(want) {
			if err := c.Move(common.FlagCursorNext); err != nil {
				t.Fatalf("Move next: %v", err)
			}
		}
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if _, err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("k"), 0); err == nil {
		t.Fatalf("expected key to be gone after Delete")
	}
}

func TestCheckIntegrityAfterManyInserts(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	for i := 0; i < 200; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		if _, err := db.Put(key, []byte("v"), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := db.CheckIntegrity(); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	count, err := db.KeyCount()
	if err != nil {
		t.Fatalf("KeyCount: %v", err)
	}
	if count != 200 {
		t.Fatalf("expected 200 keys, got %d", count)
	}
}

func TestInMemoryEnvironmentHasNoBackingFile(t *testing.T) {
	cfg := DefaultEnvironmentConfig()
	cfg.Flags |= common.FlagInMemoryDB
	path := filepath.Join(os.TempDir(), "hamsterdb-in-memory-unused.db")

	env, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create in-memory: %v", err)
	}
	defer env.Close()
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if _, err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected no backing file for an in-memory environment")
	}
}

func TestPartialOverwritePreservesSurroundingBytes(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if _, err := db.Put([]byte("k"), []byte("1234567890"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.PutPartial([]byte("k"), []byte("XYZ"), 2, common.FlagPartial); err != nil {
		t.Fatalf("PutPartial: %v", err)
	}

	value, err := db.Get([]byte("k"), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != "12XYZ67890" {
		t.Fatalf("expected 12XYZ67890, got %s", value)
	}

	partial, err := db.GetPartial([]byte("k"), 2, 3, common.FlagPartial)
	if err != nil {
		t.Fatalf("GetPartial: %v", err)
	}
	if string(partial) != "XYZ" {
		t.Fatalf("expected XYZ, got %s", partial)
	}
}

func TestPartialOverwriteGrowsAndZeroFillsGap(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()
	db, err := env.CreateDatabase(DefaultDatabaseConfig(testDB))
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if _, err := db.Put([]byte("k"), []byte("ab"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.PutPartial([]byte("k"), []byte("Z"), 5, common.FlagPartial); err != nil {
		t.Fatalf("PutPartial: %v", err)
	}

	value, err := db.Get([]byte("k"), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != "ab\x00\x00\x00Z" {
		t.Fatalf("expected ab\\x00\\x00\\x00Z, got %q", value)
	}
}

func TestCursorOverwritePartialOnDuplicate(t *testing.T) {
	path := tempDBPath(t)
	env, err := Create(path, DefaultEnvironmentConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer env.Close()
	cfg := DefaultDatabaseConfig(testDB)
	cfg.Flags |= common.FlagEnableDuplicates
	db, err := env.CreateDatabase(cfg)
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	if _, err := db.Put([]byte("k"), []byte("1234567890"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.Put([]byte("k"), []byte("abcdefghij"), common.FlagDuplicate); err != nil {
		t.Fatalf("Put duplicate: %v", err)
	}

	cur := db.Cursor()
	defer cur.Close()
	if err := cur.Find([]byte("k"), 0); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := cur.Move(common.FlagCursorNext); err != nil {
		t.Fatalf("Move next: %v", err)
	}
	if err := cur.OverwritePartial(2, []byte("XYZ")); err != nil {
		t.Fatalf("OverwritePartial: %v", err)
	}
	record, err := cur.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if string(record) != "abXYZfghij" {
		t.Fatalf("expected abXYZfghij, got %s", record)
	}

	first, err := db.Get([]byte("k"), 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(first) != "1234567890" {
		t.Fatalf("expected first duplicate untouched, got %s", first)
	}
}
