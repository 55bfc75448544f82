package replication

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dirkpetersen/claudefs/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// walBucket holds the one durable cursor row per (site, shard) pair;
// walHistoryBucket holds the append-only audit trail BoltWalStore
// replays into ReplicationWal.History on recovery.
var (
	walBucket        = []byte("cursors")
	walHistoryBucket = []byte("history")
)

// BoltWalStore durably persists a ReplicationWal's cursors and audit
// history with BoltDB, the same way BoltJournalStore backs pkg/journal.
type BoltWalStore struct {
	db *bolt.DB
}

// NewBoltWalStore opens (creating if necessary) a replication-wal
// database under dataDir.
func NewBoltWalStore(dataDir string) (*BoltWalStore, error) {
	dbPath := filepath.Join(dataDir, "replication_wal.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("replication: open wal database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(walBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(walHistoryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replication: init wal buckets: %w", err)
	}
	return &BoltWalStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltWalStore) Close() error { return s.db.Close() }

func cursorKey(site types.SiteId, shard types.ShardId) []byte {
	return []byte(fmt.Sprintf("%020d-%010d", site, shard))
}

// PutCursor durably records cur, overwriting any prior value for the
// same (site, shard) pair.
func (s *BoltWalStore) PutCursor(cur types.ReplicationCursor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("replication: marshal cursor: %w", err)
		}
		return tx.Bucket(walBucket).Put(cursorKey(cur.Site, cur.Shard), data)
	})
}

// LoadCursors returns every durably stored cursor, for recovery.
func (s *BoltWalStore) LoadCursors() ([]types.ReplicationCursor, error) {
	var out []types.ReplicationCursor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(walBucket).ForEach(func(k, v []byte) error {
			var cur types.ReplicationCursor
			if err := json.Unmarshal(v, &cur); err != nil {
				return fmt.Errorf("replication: unmarshal cursor: %w", err)
			}
			out = append(out, cur)
			return nil
		})
	})
	return out, err
}

// AppendRecord durably appends rec to the audit history, keyed by
// insertion order so ForEach replays it oldest-first.
func (s *BoltWalStore) AppendRecord(rec types.WalRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(walHistoryBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("replication: marshal wal record: %w", err)
		}
		return b.Put(itob(seq), data)
	})
}

// LoadHistory returns every durably stored audit record, oldest first.
func (s *BoltWalStore) LoadHistory() ([]types.WalRecord, error) {
	var out []types.WalRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(walHistoryBucket).ForEach(func(k, v []byte) error {
			var rec types.WalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("replication: unmarshal wal record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
