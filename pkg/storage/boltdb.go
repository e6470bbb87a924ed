package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Cache with one BoltDB bucket per bank
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the cache database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "brine.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pre-create the well-known banks
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bank := range []string{BankConnected, BankPKI} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bank)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bank, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Store(bank, key string, value []byte) error {
	if bank == "" || key == "" {
		return fmt.Errorf("bank and key are required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bank))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bank, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Fetch(bank, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bank))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", bank, key, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bank, key, ErrNotFound)
		}
		// Bolt memory is only valid inside the transaction
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStore) Flush(bank, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if key == "" {
			err := tx.DeleteBucket([]byte(bank))
			if err == bolt.ErrBucketNotFound {
				return nil
			}
			return err
		}
		b := tx.Bucket([]byte(bank))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) List(bank string) ([]string, error) {
	keys := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bank))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
