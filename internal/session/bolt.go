package session

import (
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStorage implements the Storage interface with a BoltDB spool file, one
// bucket per session. It keeps large uploads off the heap. The file is
// removed on Close since nothing outlives the process.
type BoltStorage struct {
	db   *bbolt.DB
	path string
}

// NewBoltStorage creates a new spool at path, truncating any leftover file
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale spool: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second, NoSync: true})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	return &BoltStorage{db: db, path: path}, nil
}

// Save stores data under key in the session's bucket
func (b *BoltStorage) Save(sessionID, key string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
}

// Get retrieves a file. The returned slice is a copy, bolt memory is only
// valid inside the transaction.
func (b *BoltStorage) Get(sessionID, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionID))
		if bucket == nil {
			return fmt.Errorf("%s/%s: %w", sessionID, key, ErrBlobNotFound)
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s/%s: %w", sessionID, key, ErrBlobNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a file
func (b *BoltStorage) Delete(sessionID, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// DeleteSession drops the session's bucket
func (b *BoltStorage) DeleteSession(sessionID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(sessionID))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// Close closes the database and removes the spool file
func (b *BoltStorage) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing boltdb: %w", err)
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing spool: %w", err)
	}
	return nil
}
