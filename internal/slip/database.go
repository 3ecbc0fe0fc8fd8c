package slip

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	recordBucketName   = "slips"
	transRefBucketName = "trans_refs"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// DB defines the interface for record persistence
type DB interface {
	// SaveRecord saves a record and indexes its transaction reference.
	// When an earlier record already holds the reference, SaveRecord sets
	// record.DuplicateOf to that record's ID before writing, atomically
	// with the lookup.
	SaveRecord(record *Record) error

	// GetRecord retrieves a record by ID
	GetRecord(id string) (*Record, error)

	// ListRecords returns all records
	ListRecords() ([]*Record, error)

	// FindByTransRef returns the first record verified with the given transaction reference
	FindByTransRef(transRef string) (*Record, error)

	// DeleteRecord removes a record. If it was the indexed original, the
	// earliest remaining record with the same reference becomes the original.
	DeleteRecord(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(transRefBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveRecord saves a record to the database. The duplicate check and the
// write share one transaction, so concurrent saves of the same slip cannot
// both become the original.
func (b *BoltDB) SaveRecord(record *Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(transRefBucketName))
		indexed := false
		if record.TransRef != "" {
			if owner := index.Get([]byte(record.TransRef)); owner != nil {
				indexed = true
				if string(owner) != record.ID {
					record.DuplicateOf = string(owner)
				}
			}
		}

		if err := putRecord(tx, record); err != nil {
			return err
		}
		if record.TransRef == "" || indexed {
			return nil
		}
		return index.Put([]byte(record.TransRef), []byte(record.ID))
	})
}

func putRecord(tx *bbolt.Tx, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return tx.Bucket([]byte(recordBucketName)).Put([]byte(record.ID), data)
}

// GetRecord retrieves a record by ID
func (b *BoltDB) GetRecord(id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func getRecord(tx *bbolt.Tx, id string) (*Record, error) {
	data := tx.Bucket([]byte(recordBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", id, err)
	}
	return &record, nil
}

// ListRecords returns all records
func (b *BoltDB) ListRecords() ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record %s: %w", k, err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindByTransRef looks up the record indexed under transRef
func (b *BoltDB) FindByTransRef(transRef string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(transRefBucketName)).Get([]byte(transRef))
		if id == nil {
			return fmt.Errorf("transaction reference %s: %w", transRef, ErrNotFound)
		}
		var err error
		record, err = getRecord(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteRecord removes a record from the database. When the record was the
// original of its transaction reference, the earliest remaining duplicate
// takes its place in the index and the other duplicates are repointed at it.
func (b *BoltDB) DeleteRecord(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		record, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(recordBucketName)).Delete([]byte(id)); err != nil {
			return err
		}

		index := tx.Bucket([]byte(transRefBucketName))
		if record.TransRef == "" || string(index.Get([]byte(record.TransRef))) != id {
			return nil
		}

		survivors, err := recordsWithTransRef(tx, record.TransRef)
		if err != nil {
			return err
		}
		if len(survivors) == 0 {
			return index.Delete([]byte(record.TransRef))
		}

		original := survivors[0]
		for _, r := range survivors {
			if r.CreatedAt.Before(original.CreatedAt) ||
				(r.CreatedAt.Equal(original.CreatedAt) && r.ID < original.ID) {
				original = r
			}
		}
		for _, r := range survivors {
			duplicateOf := original.ID
			if r == original {
				duplicateOf = ""
			}
			if r.DuplicateOf == duplicateOf {
				continue
			}
			r.DuplicateOf = duplicateOf
			if err := putRecord(tx, r); err != nil {
				return err
			}
		}
		return index.Put([]byte(record.TransRef), []byte(original.ID))
	})
}

func recordsWithTransRef(tx *bbolt.Tx, transRef string) ([]*Record, error) {
	var records []*Record
	err := tx.Bucket([]byte(recordBucketName)).ForEach(func(k, v []byte) error {
		var record Record
		if err := json.Unmarshal(v, &record); err != nil {
			return fmt.Errorf("unmarshaling record %s: %w", k, err)
		}
		if record.TransRef == transRef {
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
