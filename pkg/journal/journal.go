package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/steward-sh/steward/pkg/types"
)

var (
	// Bucket names
	bucketRuns  = []byte("runs")
	bucketState = []byte("state")

	keyLastRun = []byte("last_run")
	keyResume  = []byte("resume")
)

// RunEntry is the persisted record of one orchestrator run.
type RunEntry struct {
	RunID      string            `json:"run_id"`
	Mode       string            `json:"mode"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Head       string            `json:"head,omitempty"`
	Records    []types.RunRecord `json:"records"`
	ExitCode   int               `json:"exit_code"`
}

// Resume is the handoff state a self-updating run leaves for its re-exec:
// which run it was and which modules already completed, so the resumed
// invocation skips Sync and SchemaPhase and runs only the remainder.
type Resume struct {
	RunID     string   `json:"run_id"`
	Completed []string `json:"completed"`
}

// Journal is the bbolt-backed run journal.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if needed) the journal database.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// PutRun stores the run entry and marks it as the most recent.
func (j *Journal) PutRun(entry *RunEntry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Put([]byte(entry.RunID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keyLastRun, []byte(entry.RunID))
	})
}

// GetRun returns the entry for the given run id.
func (j *Journal) GetRun(runID string) (*RunEntry, error) {
	var entry RunEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("run not found: %s", runID)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LastRun returns the most recently stored run, or nil when none exists.
func (j *Journal) LastRun() (*RunEntry, error) {
	var entry *RunEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		runID := tx.Bucket(bucketState).Get(keyLastRun)
		if runID == nil {
			return nil
		}
		data := tx.Bucket(bucketRuns).Get(runID)
		if data == nil {
			return nil
		}
		entry = &RunEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListRuns returns every stored run, oldest first by started_at.
func (j *Journal) ListRuns() ([]*RunEntry, error) {
	var entries []*RunEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var entry RunEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, n int) bool {
		return entries[i].StartedAt.Before(entries[n].StartedAt)
	})
	return entries, nil
}

// SetResume records the self-update handoff state.
func (j *Journal) SetResume(r *Resume) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keyResume, data)
	})
}

// GetResume returns the pending handoff state, or nil.
func (j *Journal) GetResume() (*Resume, error) {
	var resume *Resume
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyResume)
		if data == nil {
			return nil
		}
		resume = &Resume{}
		return json.Unmarshal(data, resume)
	})
	if err != nil {
		return nil, err
	}
	return resume, nil
}

// ClearResume removes the handoff state once the resumed run finishes.
func (j *Journal) ClearResume() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Delete(keyResume)
	})
}
