package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dirkpetersen/claudefs/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// BoltJournalStore durably persists journal entries with BoltDB: one
// bucket per shard, key = big-endian sequence number, value = JSON entry.
type BoltJournalStore struct {
	db *bolt.DB
}

// NewBoltJournalStore opens (creating if necessary) a journal database
// under dataDir.
func NewBoltJournalStore(dataDir string) (*BoltJournalStore, error) {
	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	return &BoltJournalStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltJournalStore) Close() error { return s.db.Close() }

func shardBucket(shard types.ShardId) []byte {
	return []byte(fmt.Sprintf("shard-%d", shard))
}

func seqKey(seq types.Sequence) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

// Append durably records entry, creating its shard bucket on first use.
func (s *BoltJournalStore) Append(entry types.JournalEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(shardBucket(entry.Shard))
		if err != nil {
			return fmt.Errorf("journal: create bucket: %w", err)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("journal: marshal entry: %w", err)
		}
		return b.Put(seqKey(entry.Sequence), data)
	})
}

// LoadAll returns every durably stored entry for shard, in sequence
// order (BoltDB's cursor iterates keys in byte order, and keys are
// big-endian sequence numbers, so this is automatic).
func (s *BoltJournalStore) LoadAll(shard types.ShardId) ([]types.JournalEntry, error) {
	var entries []types.JournalEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(shardBucket(shard))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var entry types.JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("journal: unmarshal entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
