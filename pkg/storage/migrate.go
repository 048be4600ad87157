package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tesslate/studio/pkg/log"
)

// SchemaVersion is the version this build writes and expects
const SchemaVersion = 2

var keySchemaVersion = []byte("schema_version")

type migration struct {
	version int
	name    string
	up      func(tx *bolt.Tx) error
}

// Migrations run in order exactly once each; forward-only
var migrations = []migration{
	{1, "create initial buckets", migrateInitialBuckets},
	{2, "create audit and meta buckets", migrateAuditBuckets},
}

func migrateInitialBuckets(tx *bolt.Tx) error {
	buckets := [][]byte{
		bucketProjects,
		bucketContainers,
		bucketChats,
		bucketMessages,
		bucketTasks,
		bucketSecrets,
	}
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func migrateAuditBuckets(tx *bolt.Tx) error {
	for _, bucket := range [][]byte{bucketAudit, bucketMeta} {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Migrate applies every pending migration and records the new version
func (s *BoltStore) Migrate() error {
	logger := log.WithComponent("storage")

	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}

		current := 0
		if v := meta.Get(keySchemaVersion); len(v) == 8 {
			current = int(binary.BigEndian.Uint64(v))
		}
		if current > SchemaVersion {
			return fmt.Errorf("database schema %d is newer than this build (%d)", current, SchemaVersion)
		}

		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.up(tx); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
			logger.Info().Int("version", m.version).Str("name", m.name).Msg("Applied schema migration")
			current = m.version
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(current))
		return meta.Put(keySchemaVersion, buf)
	})
}

// CurrentSchemaVersion reads the stored version; 0 means a fresh database
func (s *BoltStore) CurrentSchemaVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keySchemaVersion); len(v) == 8 {
			version = int(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return version, err
}

// InspectSchemaVersion reads the stored version without opening the
// store or applying anything. A missing database reports 0.
func InspectSchemaVersion(dataDir string) (int, error) {
	dbPath := filepath.Join(dataDir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return 0, nil
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var version int
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keySchemaVersion); len(v) == 8 {
			version = int(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return version, err
}

// PendingMigrations names the migrations above current, in order.
func PendingMigrations(current int) []string {
	var names []string
	for _, m := range migrations {
		if m.version > current {
			names = append(names, fmt.Sprintf("%d: %s", m.version, m.name))
		}
	}
	return names
}
