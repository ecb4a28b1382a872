// Package payout implements the hourly liquidity-provider rewards job:
// discover pools holding the reward asset, snapshot their participants,
// compute pro-rata hourly amounts and disburse them in batched payment
// transactions. State (pool map, snapshots, payout ledger) lives in a
// local Badger store.
package payout

import (
	"encoding/json"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Store is a small JSON-over-Badger wrapper for payout job state.
type Store struct {
	db *badger.DB
}

func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("payout: store path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open payout store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) getJSON(key string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	return found, err
}

func (s *Store) setJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

const (
	poolsMapKey       = "pools_map"
	participantPrefix = "participants/"
	paidPrefix        = "paid/"
)

// PoolsMap maps "<OTHER>-<CODE>" labels (both orderings) to pool IDs.
func (s *Store) PoolsMap() (map[string]string, error) {
	m := map[string]string{}
	if _, err := s.getJSON(poolsMapKey, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) SavePoolsMap(m map[string]string) error {
	return s.setJSON(poolsMapKey, m)
}

// ParticipantRecord is one pool-share holder at snapshot time.
type ParticipantRecord struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// Snapshot is the set of share holders of one pool at a point in time.
type Snapshot struct {
	PoolID      string              `json:"pool_id"`
	FetchedAt   time.Time           `json:"fetched_at"`
	TotalShares decimal.Decimal     `json:"total_shares"`
	Records     []ParticipantRecord `json:"records"`
}

func (s *Store) Snapshot(poolID string) (*Snapshot, error) {
	var snap Snapshot
	found, err := s.getJSON(participantPrefix+poolID, &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

func (s *Store) SaveSnapshot(snap *Snapshot) error {
	return s.setJSON(participantPrefix+snap.PoolID, snap)
}

// PayoutRecord is one disbursed (or failed) payment in the ledger.
type PayoutRecord struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	Hash    string          `json:"hash,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func paidKey(hour time.Time, poolID string) string {
	return paidPrefix + hour.UTC().Format("2006-01-02T15") + "/" + poolID
}

// PaidRecords returns the payout ledger for (hour, pool), or nil when
// that pool has not been paid this hour.
func (s *Store) PaidRecords(hour time.Time, poolID string) ([]PayoutRecord, error) {
	var records []PayoutRecord
	found, err := s.getJSON(paidKey(hour, poolID), &records)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return records, nil
}

func (s *Store) SavePaidRecords(hour time.Time, poolID string, records []PayoutRecord) error {
	return s.setJSON(paidKey(hour, poolID), records)
}
