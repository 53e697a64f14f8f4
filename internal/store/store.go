// Package store persists the camera inventory in a BoltDB file so a restart
// can resume verification without rediscovering devices.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var (
	bucketCameras = []byte("cameras")
	bucketRuns    = []byte("runs")
	keyLastRun    = []byte("last")
)

// Run describes the most recent pipeline run.
type Run struct {
	ScanID     string    `json:"scan_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cameras    int       `json:"cameras"`
	Verified   int       `json:"verified"`
}

// BoltStore keeps one JSON value per camera record, keyed by record key.
type BoltStore struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCameras, bucketRuns} {
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Save writes one record.
func (s *BoltStore) Save(rec camera.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketCameras), rec)
	})
}

// SaveAll replaces the stored inventory with records in one transaction.
func (s *BoltStore) SaveAll(records []camera.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCameras) != nil {
			if err := tx.DeleteBucket(bucketCameras); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketCameras)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := put(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func put(b *bolt.Bucket, rec camera.Record) error {
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketCameras)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Key), data)
}

// Get returns the record stored under key.
func (s *BoltStore) Get(key string) (camera.Record, error) {
	var rec camera.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCameras).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("camera %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Delete removes the record stored under key.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCameras).Delete([]byte(key))
	})
}

// List returns every stored record in key order.
func (s *BoltStore) List() ([]camera.Record, error) {
	var records []camera.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCameras)
		records = make([]camera.Record, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var rec camera.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// SaveRun records the outcome of a pipeline run.
func (s *BoltStore) SaveRun(run Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put(keyLastRun, data)
	})
}

// LastRun returns the most recent run, or ErrNotFound.
func (s *BoltStore) LastRun() (Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(keyLastRun)
		if data == nil {
			return fmt.Errorf("last run: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	return run, err
}
