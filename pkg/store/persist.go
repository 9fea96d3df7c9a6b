package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketArrays  = "arrays"
	bucketQueries = "queries"
)

// arrayRecord is the persisted form of an Array, cell values included.
type arrayRecord struct {
	*Array
	Columns map[string][]byte `json:"columns"`
}

// Open creates a store that loads its contents from the bbolt file at path
// and writes every change through to it.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	s := New()
	s.db = db
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketArrays, bucketQueries} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		err = s.load()
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return s, nil
}

// Close releases the backing file, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(bucketArrays)).ForEach(func(k, v []byte) error {
			rec := arrayRecord{Array: &Array{}}
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode array %s: %w", k, err)
			}
			rec.Array.Columns = rec.Columns
			s.arrays[rec.Array.Name] = rec.Array
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketQueries)).ForEach(func(k, v []byte) error {
			var q Query
			if err := json.Unmarshal(v, &q); err != nil {
				return fmt.Errorf("decode query %s: %w", k, err)
			}
			s.queries[q.Name] = &q
			return nil
		})
	})
}

func (s *Store) putArray(arr *Array) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(arrayRecord{Array: arr, Columns: arr.Columns})
	if err != nil {
		return fmt.Errorf("encode array %s: %w", arr.Name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketArrays)).Put([]byte(arr.Name), data)
	})
}

func (s *Store) putQuery(q *Query) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode query %s: %w", q.Name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).Put([]byte(q.Name), data)
	})
}

// deleteRecords removes an array (if named) and a set of queries in one
// transaction.
func (s *Store) deleteRecords(array string, queries []string) error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if array != "" {
			if err := tx.Bucket([]byte(bucketArrays)).Delete([]byte(array)); err != nil {
				return err
			}
		}
		b := tx.Bucket([]byte(bucketQueries))
		for _, name := range queries {
			if err := b.Delete([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}
