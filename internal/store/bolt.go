package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/chaz8081/lorafs/internal/ble/protocol"
)

var (
	bucketTransfers = []byte("transfers")
	bucketIndex     = []byte("transfer_ids")
	bucketRadio     = []byte("radio")
	keyRadioConfig  = []byte("config")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database, creating its directory.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTransfers, bucketIndex, bucketRadio} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// transferKey orders records by finish time; the ID breaks ties.
func transferKey(rec *TransferRecord) []byte {
	key := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(key, uint64(rec.FinishedAt.UnixNano()))
	return append(key, rec.ID...)
}

func (s *BoltStore) AddTransfer(rec *TransferRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		idx := tx.Bucket(bucketIndex)
		if b == nil || idx == nil {
			return fmt.Errorf("bucket %q not found", bucketTransfers)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := transferKey(rec)
		if old := idx.Get([]byte(rec.ID)); old != nil {
			if err := b.Delete(old); err != nil {
				return err
			}
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		return idx.Put([]byte(rec.ID), key)
	})
}

func (s *BoltStore) GetTransfer(id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		idx := tx.Bucket(bucketIndex)
		if b == nil || idx == nil {
			return fmt.Errorf("bucket %q not found", bucketTransfers)
		}
		key := idx.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListTransfers(limit int) ([]*TransferRecord, error) {
	var records []*TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) == limit {
				break
			}
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) SaveRadioConfig(cfg protocol.RadioConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRadio)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRadio)
		}
		data, err := json.Marshal(radioConfigStorage{
			Bandwidth:       cfg.Bandwidth,
			SpreadingFactor: cfg.SpreadingFactor,
			CodingRate:      cfg.CodingRate,
			AckInterval:     cfg.AckInterval,
			Power:           cfg.Power,
			UpdatedAt:       time.Now(),
		})
		if err != nil {
			return err
		}
		return b.Put(keyRadioConfig, data)
	})
}

func (s *BoltStore) GetRadioConfig() (protocol.RadioConfig, error) {
	var cfg protocol.RadioConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRadio)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRadio)
		}
		data := b.Get(keyRadioConfig)
		if data == nil {
			return fmt.Errorf("radio config: %w", ErrNotFound)
		}
		var st radioConfigStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		cfg = protocol.RadioConfig{
			Bandwidth:       st.Bandwidth,
			SpreadingFactor: st.SpreadingFactor,
			CodingRate:      st.CodingRate,
			AckInterval:     st.AckInterval,
			Power:           st.Power,
		}
		return nil
	})
	return cfg, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
