// Command conveyor-migrate applies schema migrations to a Conveyor BoltDB
// data file outside of the running scheduler process: back up the file,
// then apply every migration newer than the stored schema version in
// order, recording the new version in the same transaction as its change.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta  = []byte("meta")
	keySchemaV  = []byte("schema_version")
	bucketTasks = []byte("tasks")
)

// migration is one forward schema step. Version is the schema version this
// migration produces; Apply receives an open read-write transaction.
type migration struct {
	version int
	name    string
	apply   func(tx *bolt.Tx) error
}

// migrations is the ordered registry of every schema change shipped so far.
// Each entry's Apply must be idempotent against its own prior failure (Bolt
// transactions are all-or-nothing, so a crash mid-migration never leaves a
// partially-applied step, but a reordered or duplicated run must not corrupt
// data either).
var migrations = []migration{
	{
		version: 1,
		name:    "ensure core buckets exist",
		apply: func(tx *bolt.Tx) error {
			for _, b := range [][]byte{bucketTasks, []byte("queue_entries"), []byte("proposals"), []byte("task_outputs"), []byte("state")} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("creating bucket %s: %w", b, err)
				}
			}
			return nil
		},
	},
	{
		version: 2,
		name:    "backfill max_attempts on tasks missing it",
		apply:   backfillMaxAttempts,
	},
}

func main() {
	dataDir := flag.String("data-dir", "/var/lib/conveyor", "Conveyor BoltDB data directory")
	dbFile := flag.String("db-file", "conveyor.db", "BoltDB file name within data-dir")
	skipBackup := flag.Bool("skip-backup", false, "Skip writing a timestamped backup copy before migrating (not recommended)")
	dryRun := flag.Bool("dry-run", false, "Report the pending migrations without applying them")
	flag.Parse()

	path := filepath.Join(*dataDir, *dbFile)
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "cannot stat database file %s: %v\n", path, err)
		os.Exit(1)
	}

	if !*skipBackup {
		backupPath, err := backupFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backup failed, aborting: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Backed up %s -> %s\n", path, backupPath)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	current, err := currentSchemaVersion(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read schema version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Current schema version: %d\n", current)

	pending := make([]migration, 0)
	for _, m := range migrations {
		if m.version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		fmt.Println("Database is up to date, nothing to migrate.")
		return
	}

	for _, m := range pending {
		fmt.Printf("Pending: v%d %s\n", m.version, m.name)
	}
	if *dryRun {
		return
	}

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			fmt.Fprintf(os.Stderr, "migration v%d (%s) failed: %v\n", m.version, m.name, err)
			os.Exit(1)
		}
		fmt.Printf("✓ applied v%d %s\n", m.version, m.name)
	}
	fmt.Println("Migration complete.")
}

func currentSchemaVersion(db *bolt.DB) (int, error) {
	var version int
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		v := b.Get(keySchemaV)
		if v == nil {
			return nil
		}
		version = int(v[0])<<24 | int(v[1])<<16 | int(v[2])<<8 | int(v[3])
		return nil
	})
	return version, err
}

func applyMigration(db *bolt.DB, m migration) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := m.apply(tx); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		buf[0] = byte(m.version >> 24)
		buf[1] = byte(m.version >> 16)
		buf[2] = byte(m.version >> 8)
		buf[3] = byte(m.version)
		return meta.Put(keySchemaV, buf)
	})
}

// backfillMaxAttempts sets max_attempts to 3 on any stored task record whose
// JSON has the field at zero. Records that lack the field entirely are left
// unchanged.
func backfillMaxAttempts(tx *bolt.Tx) error {
	b := tx.Bucket(bucketTasks)
	if b == nil {
		return nil
	}
	const needle = `"max_attempts":0`
	const replacement = `"max_attempts":3`
	return b.ForEach(func(k, v []byte) error {
		s := string(v)
		if idx := indexOf(s, needle); idx >= 0 {
			patched := s[:idx] + replacement + s[idx+len(needle):]
			return b.Put(k, []byte(patched))
		}
		return nil
	})
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func backupFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.bak-%s", path, time.Now().Format("20060102-150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", err
	}
	return backupPath, nil
}
