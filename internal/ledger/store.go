package ledger

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "medscan"

// ErrBlobNotFound is returned when a key has never been written
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is a string-keyed store of opaque blobs
type BlobStore interface {
	// Get returns the blob stored under key
	Get(key string) ([]byte, error)

	// Put replaces the blob stored under key
	Put(key string, data []byte) error

	// Close closes the store
	Close() error
}

// BoltStore implements BlobStore using a single BoltDB bucket
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database file at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get returns a copy of the blob stored under key
func (b *BoltStore) Get(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		// bolt memory is only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores data under key, overwriting any previous value
func (b *BoltStore) Put(key string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
