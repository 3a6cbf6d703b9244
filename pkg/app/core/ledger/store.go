package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store provides Pebble-based persistence for balance rows and applied on-ramp
// transaction ids. All writes go through Ledger.Commit.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadBalances reads every balance row.
func (s *Store) LoadBalances() (map[Key]Balance, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance iterator: %w", err)
	}
	defer iter.Close()

	out := make(map[Key]Balance)
	for iter.First(); iter.Valid(); iter.Next() {
		k, err := balanceKeyFromBytes(iter.Key())
		if err != nil {
			return nil, err
		}
		var b Balance
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balance %s: %w", k, err)
		}
		out[k] = b
	}
	return out, iter.Error()
}

// HasTxn reports whether an on-ramp transaction id was already applied.
func (s *Store) HasTxn(txnID string) (bool, error) {
	_, closer, err := s.db.Get(txnKey(txnID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get txn: %w", err)
	}
	closer.Close()
	return true, nil
}

// BatchWrite provides atomic batch writes for one command's changes
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// SaveBalance adds a balance row to the batch
func (bw *BatchWrite) SaveBalance(k Key, b Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return bw.batch.Set(balanceKey(k), data, nil)
}

// MarkTxn records an applied on-ramp transaction id
func (bw *BatchWrite) MarkTxn(txnID string) error {
	return bw.batch.Set(txnKey(txnID), nil, nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close closes the batch without committing
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
