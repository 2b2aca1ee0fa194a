// Package store is the results store (§4.2): a durable, per-(arch, bug_no)
// test outcome with a timestamp, supporting upsert, since-queries, and a
// not-yet-tested filter. Grounded on the teacher's pkg/storage/boltdb.go
// bucket-CRUD style, generalized to a single results bucket plus a
// secondary time-ordered index (bbolt keys sort lexicographically, so a
// fixed-width, zero-padded UTC timestamp prefix gives free ordering for
// Since()).
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

var (
	bucketResults = []byte("results")
	bucketByTime  = []byte("results_by_time")
)

// Store is the results store's concrete backend.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt-backed results store at
// filepath.Join(dataDir, "tattoo-results.db").
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "tattoo-results.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketResults, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func resultKey(arch string, bugNo int) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", arch, bugNo))
}

// timeLayout is RFC3339 with the fractional seconds always written as nine
// digits, so every key prefix has the same width and sorts in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeKey(ts time.Time, arch string, bugNo int) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d", ts.UTC().Format(timeLayout), arch, bugNo))
}

// Record upserts a test result keyed by (arch, bug_no); the latest write
// wins (§3 "latest write wins", §8.5 idempotence). worker.Name becomes the
// stored machine_name.
func (s *Store) Record(worker tattootypes.Worker, bugNo int, success bool, now time.Time) error {
	arch := worker.CanonicalArch()
	result := tattootypes.TestResult{
		Arch:        arch,
		BugNo:       bugNo,
		Success:     success,
		MachineName: worker.Name,
		Timestamp:   now,
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		resultsBucket := tx.Bucket(bucketResults)
		key := resultKey(arch, bugNo)

		if old := resultsBucket.Get(key); old != nil {
			var prev tattootypes.TestResult
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := tx.Bucket(bucketByTime).Delete(timeKey(prev.Timestamp, arch, bugNo)); err != nil {
					return fmt.Errorf("store: delete stale time index: %w", err)
				}
			}
		}

		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("store: marshal result: %w", err)
		}
		if err := resultsBucket.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketByTime).Put(timeKey(now, arch, bugNo), data)
	})
}

// Since returns every result recorded strictly after t, split into passes
// and failures, each as (bug_no, arch) pairs (§4.2, §8.6 monotonicity).
func (s *Store) Since(t time.Time) (passes, failed []tattootypes.JobKey, err error) {
	prefix := t.UTC().Format(timeLayout)
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByTime).Cursor()
		for k, v := c.Seek(nextAfterPrefix(prefix)); k != nil; k, v = c.Next() {
			var result tattootypes.TestResult
			if err := json.Unmarshal(v, &result); err != nil {
				return fmt.Errorf("store: decode result: %w", err)
			}
			key := tattootypes.JobKey{BugNo: result.BugNo, Arch: result.Arch}
			if result.Success {
				passes = append(passes, key)
			} else {
				failed = append(failed, key)
			}
		}
		return nil
	})
	return passes, failed, err
}

// nextAfterPrefix returns the cursor seek key for "strictly after timestamp
// prefix": since keys sort as "<timestamp>\x00...", appending a byte
// higher than any valid separator after the timestamp places the cursor
// just past every key with that exact timestamp.
func nextAfterPrefix(prefix string) []byte {
	return append([]byte(prefix), 0x01)
}

// FilterNotTested returns the subset of bugs with no row for arch yet
// (§4.2 filter_not_tested).
func (s *Store) FilterNotTested(arch string, bugs []int) ([]int, error) {
	var remaining []int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		for _, bugNo := range bugs {
			if b.Get(resultKey(arch, bugNo)) == nil {
				remaining = append(remaining, bugNo)
			}
		}
		return nil
	})
	return remaining, err
}
