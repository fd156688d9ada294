// SPDX-License-Identifier: MIT

// Package journal buffers high-frequency encode progress in an embedded
// key-value store. PROGRESS frames arrive every few seconds per job; writing
// each one through the relational store would make the WAL churn on data that
// only matters until the next frame. The dispatcher journals frames here and
// flushes the latest value per job to the state store on a slow periodic
// tick. On boot the journal is replayed so
// stall detection does not misfire on pre-restart progress.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no progress is journaled for a job.
var ErrNotFound = errors.New("journal: not found")

const progressPrefix = "progress:"

// Progress is the latest observed progress of one encode job.
type Progress struct {
	JobID      string  `json:"jobId"`
	Pct        float64 `json:"pct"`
	ETASeconds int     `json:"etaSeconds,omitempty"`
	AtUnix     int64   `json:"atUnix"`
}

// Journal is a badger-backed progress buffer.
type Journal struct {
	db *badger.DB
}

// Open opens (or creates) the journal at dir.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func key(jobID string) []byte {
	return []byte(progressPrefix + jobID)
}

// Record stores the latest progress for a job, replacing earlier frames.
func (j *Journal) Record(p Progress) error {
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(p.JobID), val)
	})
}

// Get returns the journaled progress for a job.
func (j *Journal) Get(jobID string) (*Progress, error) {
	var out Progress
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a job's progress, called when the assignment goes terminal.
func (j *Journal) Delete(jobID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(jobID))
	})
}

// Snapshot returns all journaled progress entries, used by the periodic flush
// and the boot replay.
func (j *Journal) Snapshot() ([]Progress, error) {
	var out []Progress
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(progressPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p Progress
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
