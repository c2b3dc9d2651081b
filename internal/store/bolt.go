package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccounts = []byte("accounts")
	bucketWifi     = []byte("wifi")

	// keyKnownNetworks is the single key holding the saved network collection.
	keyKnownNetworks = []byte("republic_known_networks")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAccounts, bucketWifi} {
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

func (s *BoltStore) SaveAccount(acc *Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccounts)
		}
		return putAccount(b, acc)
	})
}

func (s *BoltStore) GetAccount(id string) (*Account, error) {
	var acc *Account
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccounts)
		}
		var err error
		acc, err = getAccount(b, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *BoltStore) UpdateAccount(id string, fn func(acc *Account) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccounts)
		}
		acc, err := getAccount(b, id)
		if err != nil {
			return err
		}
		if err := fn(acc); err != nil {
			return err
		}
		return putAccount(b, acc)
	})
}

func (s *BoltStore) DeleteAccount(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccounts)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListAccounts() ([]*Account, error) {
	var accounts []*Account
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b == nil {
			return nil // no bucket = no accounts
		}
		accounts = make([]*Account, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st accountStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode account %s: %w", k, err)
			}
			accounts = append(accounts, st.account())
			return nil
		})
	})
	return accounts, err
}

func (s *BoltStore) SaveKnownNetworks(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWifi)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketWifi)
		}
		return b.Put(keyKnownNetworks, data)
	})
}

func (s *BoltStore) GetKnownNetworks() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWifi)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketWifi)
		}
		v := b.Get(keyKnownNetworks)
		if v == nil {
			return fmt.Errorf("known networks: %w", ErrNotFound)
		}
		// Bolt memory is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putAccount(b *bolt.Bucket, acc *Account) error {
	data, err := json.Marshal(toStorage(acc))
	if err != nil {
		return err
	}
	return b.Put([]byte(acc.ID), data)
}

func getAccount(b *bolt.Bucket, id string) (*Account, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	var st accountStorage
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.account(), nil
}
