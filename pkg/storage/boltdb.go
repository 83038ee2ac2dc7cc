package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/perpetual/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks     = []byte("tasks")
	bucketTaskDedup = []byte("task_dedup")
	bucketWorkers   = []byte("workers")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "perpetual.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketTaskDedup, bucketWorkers} {
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations

// CreateTask persists a new task. Unless allowDuplicate is set, an existing
// task with the same (account, type, context) wins and its id is returned
// with created=false.
func (s *BoltStore) CreateTask(task *types.PerpetualTask, allowDuplicate bool) (string, bool, error) {
	id := task.ID
	created := true

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if !allowDuplicate {
			existing, err := firstIndexed(tx, task.DedupKey())
			if err != nil {
				return err
			}
			if existing != nil {
				id = existing.ID
				created = false
				return nil
			}
		}
		if err := indexTask(tx, task); err != nil {
			return err
		}
		return putTask(tasks, task)
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// PutTask writes a task as-is and indexes it for dedup
func (s *BoltStore) PutTask(task *types.PerpetualTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if old, err := getTask(b, task.ID); err == nil {
			if err := unindexTask(tx, old); err != nil {
				return err
			}
		}
		if err := indexTask(tx, task); err != nil {
			return err
		}
		return putTask(b, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.PerpetualTask, error) {
	var task *types.PerpetualTask
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx.Bucket(bucketTasks), id)
		return err
	})
	return task, err
}

// FindTask looks a task up by its dedup triple. When duplicates were
// allowed, the oldest record with that triple is returned.
func (s *BoltStore) FindTask(accountID, taskType string, cc types.ClientContext) (*types.PerpetualTask, error) {
	var task *types.PerpetualTask
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = firstIndexed(tx, types.DedupKey(accountID, taskType, cc))
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: no task for %s/%s", types.ErrTaskNotFound, accountID, taskType)
		}
		return nil
	})
	return task, err
}

func (s *BoltStore) ListTasks() ([]*types.PerpetualTask, error) {
	return s.listTasks(func(*types.PerpetualTask) bool { return true })
}

func (s *BoltStore) ListTasksByAccount(accountID string) ([]*types.PerpetualTask, error) {
	return s.listTasks(func(t *types.PerpetualTask) bool {
		return t.AccountID == accountID
	})
}

// ListTasksByWorker returns the tasks assigned to workerID within accountID.
// Paused and unassigned tasks never match.
func (s *BoltStore) ListTasksByWorker(accountID, workerID string) ([]*types.PerpetualTask, error) {
	return s.listTasks(func(t *types.PerpetualTask) bool {
		return t.AccountID == accountID &&
			t.State == types.TaskStateAssigned &&
			t.AssignedWorkerID == workerID
	})
}

func (s *BoltStore) listTasks(match func(*types.PerpetualTask) bool) ([]*types.PerpetualTask, error) {
	var tasks []*types.PerpetualTask
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.PerpetualTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if match(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// UpdateTask runs mutate against the current record inside a single write
// transaction. Concurrent updates to the same task are serialized by bolt,
// so a mutate that checks state before changing it acts as compare-and-set.
func (s *BoltStore) UpdateTask(id string, mutate MutateFunc) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		task, err := getTask(b, id)
		if err != nil {
			return err
		}
		oldKey := task.DedupKey()

		ok, err := mutate(task)
		if err != nil || !ok {
			return err
		}
		if err := task.CheckInvariant(); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		if task.ID != id {
			return fmt.Errorf("task %s: id is immutable", id)
		}

		// A new client context moves the task to a new dedup key
		if newKey := task.DedupKey(); newKey != oldKey {
			dedup := tx.Bucket(bucketTaskDedup)
			if err := dedup.Delete(indexKey(oldKey, id)); err != nil {
				return err
			}
			if err := dedup.Put(indexKey(newKey, id), []byte(id)); err != nil {
				return err
			}
		}

		changed = true
		return putTask(b, task)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// DeleteTask removes a task and its dedup entry. It reports whether a
// record existed.
func (s *BoltStore) DeleteTask(id string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		task, err := getTask(b, id)
		if err != nil {
			return err
		}
		deleted = true
		return deleteTask(tx, task)
	})
	return deleted, err
}

// DeleteTasksByAccount removes every task of an account and returns them
func (s *BoltStore) DeleteTasksByAccount(accountID string) ([]*types.PerpetualTask, error) {
	var deleted []*types.PerpetualTask
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if err := b.ForEach(func(k, v []byte) error {
			var task types.PerpetualTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.AccountID == accountID {
				deleted = append(deleted, &task)
			}
			return nil
		}); err != nil {
			return err
		}

		// Deleting while iterating a bucket is unsafe in bolt
		for _, task := range deleted {
			if err := deleteTask(tx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// UnassignWorkerTasks moves every task assigned to workerID in accountID
// back to UNASSIGNED in one transaction and returns their ids.
func (s *BoltStore) UnassignWorkerTasks(accountID, workerID string, reason types.UnassignedReason) ([]string, error) {
	var ids []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var matched []*types.PerpetualTask
		if err := b.ForEach(func(k, v []byte) error {
			var task types.PerpetualTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.AccountID == accountID &&
				task.State == types.TaskStateAssigned &&
				task.AssignedWorkerID == workerID {
				matched = append(matched, &task)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, task := range matched {
			task.Unassign(reason)
			if err := putTask(b, task); err != nil {
				return err
			}
			ids = append(ids, task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Worker operations
func (s *BoltStore) UpsertWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// UpdateWorker runs mutate against the current worker record inside a
// single write transaction
func (s *BoltStore) UpdateWorker(id string, mutate WorkerMutateFunc) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return err
		}

		ok, err := mutate(&worker)
		if err != nil || !ok {
			return err
		}
		if worker.ID != id {
			return fmt.Errorf("worker %s: id is immutable", id)
		}

		data, err = json.Marshal(&worker)
		if err != nil {
			return err
		}
		changed = true
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) ListWorkersByAccount(accountID string) ([]*types.Worker, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Worker
	for _, w := range workers {
		if w.AccountID == accountID {
			filtered = append(filtered, w)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteWorker(id string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(id))
	})
	return deleted, err
}

func getTask(b *bolt.Bucket, id string) (*types.PerpetualTask, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}
	var task types.PerpetualTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func putTask(b *bolt.Bucket, task *types.PerpetualTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), data)
}

func deleteTask(tx *bolt.Tx, task *types.PerpetualTask) error {
	if err := unindexTask(tx, task); err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Delete([]byte(task.ID))
}

// The dedup bucket holds one entry per task, keyed "<dedup key>\x00<id>"
func indexKey(dedupKey, id string) []byte {
	return []byte(dedupKey + "\x00" + id)
}

func indexTask(tx *bolt.Tx, task *types.PerpetualTask) error {
	return tx.Bucket(bucketTaskDedup).Put(indexKey(task.DedupKey(), task.ID), []byte(task.ID))
}

func unindexTask(tx *bolt.Tx, task *types.PerpetualTask) error {
	return tx.Bucket(bucketTaskDedup).Delete(indexKey(task.DedupKey(), task.ID))
}

// firstIndexed returns the oldest live task indexed under dedupKey, or nil
func firstIndexed(tx *bolt.Tx, dedupKey string) (*types.PerpetualTask, error) {
	tasks := tx.Bucket(bucketTasks)
	prefix := []byte(dedupKey + "\x00")

	var oldest *types.PerpetualTask
	c := tx.Bucket(bucketTaskDedup).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if tasks.Get(v) == nil {
			continue
		}
		task, err := getTask(tasks, string(v))
		if err != nil {
			return nil, err
		}
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
	}
	return oldest, nil
}
