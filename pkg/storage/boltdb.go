package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/conveyor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks       = []byte("tasks")
	bucketQueue       = []byte("queue_entries")
	bucketProposals   = []byte("proposals")
	bucketTaskOutputs = []byte("task_outputs")
	bucketState       = []byte("state")
)

// BoltStore implements Store using BoltDB, giving every mutation ACID
// transactional semantics within a single process.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the scheduler database under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conveyor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketTasks, bucketQueue, bucketProposals, bucketTaskOutputs, bucketState}
		for _, bucket := range buckets {
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

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if task.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			task.ID = int64(id)
		}
		now := time.Now()
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(itob(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("task not found: %d", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// ListActiveTasks returns up to limit non-terminal tasks in ascending id
// order; limit <= 0 means unbounded. Ascending id order is the Task
// Dispatcher's only fairness rule.
func (s *BoltStore) ListActiveTasks(limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.IsTerminal() {
				continue
			}
			tasks = append(tasks, &task)
			if limit > 0 && len(tasks) >= limit {
				break
			}
		}
		return nil
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(itob(task.ID)) == nil {
			return fmt.Errorf("task not found: %d", task.ID)
		}
		task.UpdatedAt = time.Now()
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(itob(task.ID), data)
	})
}

func (s *BoltStore) DeleteTask(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(itob(id))
	})
}

// TryDispatch is the atomic compare-and-set dispatch lock: within a single
// transaction it reads the task, checks DispatchedAt is nil, and if so sets
// it and writes back. No other goroutine can observe a half-applied state.
func (s *BoltStore) TryDispatch(id int64) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("task not found: %d", id)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.DispatchedAt != nil {
			ok = false
			return nil
		}
		now := time.Now()
		task.DispatchedAt = &now
		task.UpdatedAt = now
		ok = true
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put(itob(id), updated)
	})
	return ok, err
}

func (s *BoltStore) ClearDispatch(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		task.DispatchedAt = nil
		task.UpdatedAt = time.Now()
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put(itob(id), updated)
	})
}

// ClearAllDispatched implements the startup-recovery invariant: any
// dispatched_at left over from an unclean shutdown is stale by definition,
// since no worker threads survive a process restart.
func (s *BoltStore) ClearAllDispatched() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.DispatchedAt == nil {
				continue
			}
			task.DispatchedAt = nil
			updated, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			if err := b.Put(k, updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// Queue entry operations

func (s *BoltStore) CreateQueueEntry(entry *types.QueueEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		if entry.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			entry.ID = int64(id)
		}
		now := time.Now()
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(itob(entry.ID), data)
	})
}

func (s *BoltStore) GetQueueEntry(id int64) (*types.QueueEntry, error) {
	var entry types.QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQueue).Get(itob(id))
		if data == nil {
			return fmt.Errorf("queue entry not found: %d", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListQueueEntriesByRepo(repoPath string) ([]*types.QueueEntry, error) {
	var entries []*types.QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var entry types.QueueEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.RepoPath == repoPath {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) ListActiveQueueEntries() ([]*types.QueueEntry, error) {
	var entries []*types.QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var entry types.QueueEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Active() {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) UpdateQueueEntry(entry *types.QueueEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		if b.Get(itob(entry.ID)) == nil {
			return fmt.Errorf("queue entry not found: %d", entry.ID)
		}
		entry.UpdatedAt = time.Now()
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(itob(entry.ID), data)
	})
}

func (s *BoltStore) DeleteQueueEntry(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(itob(id))
	})
}

// Proposal operations

func (s *BoltStore) CreateProposal(p *types.Proposal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProposals)
		if p.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			p.ID = int64(id)
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(itob(p.ID), data)
	})
}

func (s *BoltStore) GetProposal(id int64) (*types.Proposal, error) {
	var p types.Proposal
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProposals).Get(itob(id))
		if data == nil {
			return fmt.Errorf("proposal not found: %d", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProposalsByStatus(status types.ProposalStatus) ([]*types.Proposal, error) {
	var proposals []*types.Proposal
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProposals).ForEach(func(k, v []byte) error {
			var p types.Proposal
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == status {
				proposals = append(proposals, &p)
			}
			return nil
		})
	})
	return proposals, err
}

func (s *BoltStore) UpdateProposal(p *types.Proposal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProposals)
		if b.Get(itob(p.ID)) == nil {
			return fmt.Errorf("proposal not found: %d", p.ID)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(itob(p.ID), data)
	})
}

// Task output operations

func (s *BoltStore) AppendTaskOutput(out *types.TaskOutput) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskOutputs)
		if out.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			out.ID = int64(id)
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = time.Now()
		}
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return b.Put(itob(out.ID), data)
	})
}

func (s *BoltStore) ListTaskOutputs(taskID int64) ([]*types.TaskOutput, error) {
	var outputs []*types.TaskOutput
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskOutputs).ForEach(func(k, v []byte) error {
			var out types.TaskOutput
			if err := json.Unmarshal(v, &out); err != nil {
				return err
			}
			if out.TaskID == taskID {
				outputs = append(outputs, &out)
			}
			return nil
		})
	})
	return outputs, err
}

// State KV operations

func (s *BoltStore) GetState(key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(key))
		if data == nil {
			return nil
		}
		var entry types.StateEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		value = entry.Value
		found = true
		return nil
	})
	return value, found, err
}

func (s *BoltStore) SetState(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		entry := types.StateEntry{Key: key, Value: value, UpdatedAt: time.Now()}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put([]byte(key), data)
	})
}
