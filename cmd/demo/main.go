// Command demo walks a small HamsterDB environment through §8's core
// scenarios: create, put/get, a committed transaction that survives a
// close/reopen, an aborted transaction whose write is rolled back, duplicates, and
// cursor iteration.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hamsterdb/hamsterdb"
	"github.com/hamsterdb/hamsterdb/common"
)

const usersDB = 1

func main() {
	dir, err := os.MkdirTemp("", "hamsterdb-demo-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "demo.db")

	fmt.Println("=== Create & simple put/get ===")
	basicPutGet(path)

	fmt.Println("\n=== Commit survives reopen ===")
	committedSurvivesReopen(path)

	fmt.Println("\n=== Abort does not survive ===")
	abortedDoesNotSurvive(path)

	fmt.Println("\n=== Duplicates ===")
	duplicates(path)
}

func basicPutGet(path string) {
	os.Remove(path)
	cfg := hamsterdb.DefaultEnvironmentConfig()
	env, err := hamsterdb.Create(path, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer env.Close()

	db, err := env.CreateDatabase(hamsterdb.DefaultDatabaseConfig(usersDB))
	if err != nil {
		log.Fatal(err)
	}

	if _, err := db.Put([]byte("alice"), []byte(`{"age":30}`), 0); err != nil {
		log.Fatal(err)
	}
	value, err := db.Get([]byte("alice"), 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  GET alice -> %s\n", value)

	cursor := db.Cursor()
	defer cursor.Close()
	if err := cursor.Move(common.FlagCursorFirst); err != nil {
		log.Fatal(err)
	}
	key, _ := cursor.Key()
	fmt.Printf("  cursor FIRST -> %s\n", key)
}

func committedSurvivesReopen(path string) {
	os.Remove(path)
	cfg := hamsterdb.DefaultEnvironmentConfig()
	env, err := hamsterdb.Create(path, cfg)
	if err != nil {
		log.Fatal(err)
	}
	db, err := env.CreateDatabase(hamsterdb.DefaultDatabaseConfig(usersDB))
	if err != nil {
		log.Fatal(err)
	}

	txn, err := env.BeginTxn(0)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := db.Put([]byte("bob"), []byte("committed"), 0); err != nil {
		log.Fatal(err)
	}
	if err := env.CommitTxn(txn); err != nil {
		log.Fatal(err)
	}
	if err := env.Close(); err != nil {
		log.Fatal(err)
	}

	reopenCfg := hamsterdb.DefaultEnvironmentConfig()
	reopenCfg.Flags |= common.FlagAutoRecovery
	env2, err := hamsterdb.Open(path, reopenCfg)
	if err != nil {
		log.Fatal(err)
	}
	defer env2.Close()
	db2, err := env2.OpenDatabase(usersDB, nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	value, err := db2.Get([]byte("bob"), 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  GET bob after reopen -> %s\n", value)
}

func abortedDoesNotSurvive(path string) {
	os.Remove(path)
	cfg := hamsterdb.DefaultEnvironmentConfig()
	env, err := hamsterdb.Create(path, cfg)
	if err != nil {
		log.Fatal(err)
	}
	db, err := env.CreateDatabase(hamsterdb.DefaultDatabaseConfig(usersDB))
	if err != nil {
		log.Fatal(err)
	}

	txn, err := env.BeginTxn(0)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := db.Put([]byte("carol"), []byte("rolled-back"), 0); err != nil {
		log.Fatal(err)
	}
	if err := env.AbortTxn(txn); err != nil {
		log.Fatal(err)
	}

	if _, err := db.Get([]byte("carol"), 0); err != nil {
		fmt.Printf("  GET carol after abort -> %v (expected)\n", err)
	} else {
		fmt.Println("  GET carol after abort -> unexpectedly found")
	}
	env.Close()
}

func duplicates(path string) {
	os.Remove(path)
	cfg := hamsterdb.DefaultEnvironmentConfig()
	env, err := hamsterdb.Create(path, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer env.Close()

	dbCfg := hamsterdb.DefaultDatabaseConfig(usersDB)
	dbCfg.Flags |= common.FlagEnableDuplicates | common.FlagSortDuplicates
	db, err := env.CreateDatabase(dbCfg)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := db.Put([]byte("tag"), []byte("zebra"), common.FlagDuplicate); err != nil {
		log.Fatal(err)
	}
	if _, err := db.Put([]byte("tag"), []byte("apple"), common.FlagDuplicate); err != nil {
		log.Fatal(err)
	}

	c := db.Cursor()
	defer c.Close()
	if err := c.Find([]byte("tag"), common.FlagFindExactMatch); err != nil {
		log.Fatal(err)
	}
	count, err := c.GetDuplicateCount()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  tag has %d duplicates, sorted order:\n", count)
	for i := 0; i < count; i++ {
		rec, err := c.Record()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("    %s\n", rec)
		if i+1 < count {
			if err := c.Move(common.FlagCursorNext); err != nil {
				log.Fatal(err)
			}
		}
	}
}
