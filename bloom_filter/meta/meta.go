// Package meta keeps the descriptors of live filters so a process can pick up
// filters that already exist in Redis after a restart.
package meta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const FileName = "bloom-meta.db"

var bucketName = []byte("bloom-filters")

// Record is the durable form of a filter descriptor.
type Record struct {
	Name               string   `json:"name"`
	ExpectedInsertions int64    `json:"expected_insertions"`
	FPP                float64  `json:"fpp"`
	BitSize            uint64   `json:"bit_size"`
	NumHashFunctions   uint32   `json:"num_hash_functions"`
	ShardKeys          []string `json:"shard_keys"`
	Strategy           string   `json:"strategy"`
	Hasher             string   `json:"hasher"`
}

type Store interface {
	Save(rec Record) error
	Delete(names ...string) error
	Load() ([]Record, error)
	Close() error
}

type BoltStore struct {
	db *bbolt.DB
}

// Open opens or creates the metadata file. A directory path gets FileName
// appended.
func Open(path string, syncWrites bool) (*BoltStore, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, FileName)
	}
	opts := *bbolt.DefaultOptions
	opts.NoSync = !syncWrites

	db, err := bbolt.Open(path, 0644, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open meta file %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "create meta bucket failed")
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Save(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return errors.WithMessagef(err, "encode record %q", rec.Name)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(rec.Name), val)
	})
}

func (b *BoltStore) Delete(names ...string) error {
	if len(names) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, name := range names {
			if err := bucket.Delete([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every record ordered by name.
func (b *BoltStore) Load() ([]Record, error) {
	var ret []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.WithMessagef(err, "decode record %q", k)
			}
			ret = append(ret, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
