// Package bolt implements the durable store on a single bbolt file. One
// bucket per table, JSON values keyed by entity id, monotonic ids from
// bucket sequences. Every method runs inside one bolt transaction so the
// store keeps the same atomicity contract as the SQLite backend.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/spawnqueue"
)

var (
	bucketWorkers        = []byte("workers")
	bucketWorkerEvents   = []byte("worker_events")
	bucketTasks          = []byte("tasks")
	bucketAssignments    = []byte("task_assignments")
	bucketBatches        = []byte("batches")
	bucketWorkItems      = []byte("work_items")
	bucketWorkItemEvents = []byte("work_item_events")
	bucketSwarms         = []byte("swarms")
	bucketMail           = []byte("mail")
	bucketHandoffs       = []byte("handoffs")
	bucketBlackboard     = []byte("blackboard")
	bucketBoardReads     = []byte("blackboard_reads")
	bucketCheckpoints    = []byte("checkpoints")
	bucketQueue          = []byte("spawn_queue")
	bucketQueueIndex     = []byte("spawn_queue_by_id")
)

// DB owns the bbolt handle and hands out repositories bound to it.
type DB struct {
	db   *bolt.DB
	path string
}

// NewDB opens the database file at path, creating parent directories and
// every bucket as needed. Unlike the SQLite backend there is no memory
// mode; tests point at a temp directory.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkers, bucketWorkerEvents,
			bucketTasks, bucketAssignments,
			bucketBatches, bucketWorkItems, bucketWorkItemEvents,
			bucketSwarms,
			bucketMail, bucketHandoffs,
			bucketBlackboard, bucketBoardReads,
			bucketCheckpoints,
			bucketQueue, bucketQueueIndex,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug(log.CatStore, "database ready", "path", path, "backend", "bolt")
	return &DB{db: db, path: path}, nil
}

// Close releases the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Workers returns the worker repository.
func (d *DB) Workers() fleet.WorkerStore {
	return &workerRepository{db: d.db}
}

// Tasks returns the task repository.
func (d *DB) Tasks() fleet.TaskStore {
	return &taskRepository{db: d.db}
}

// WorkItems returns the work-item repository.
func (d *DB) WorkItems() fleet.WorkItemStore {
	return &workItemRepository{db: d.db}
}

// Swarms returns the swarm repository.
func (d *DB) Swarms() fleet.SwarmStore {
	return &swarmRepository{db: d.db}
}

// Blackboard returns the blackboard repository.
func (d *DB) Blackboard() blackboard.Store {
	return &blackboardRepository{db: d.db}
}

// Mail returns the mail repository.
func (d *DB) Mail() mail.Store {
	return &mailRepository{db: d.db}
}

// Checkpoints returns the checkpoint repository.
func (d *DB) Checkpoints() checkpoint.Store {
	return &checkpointRepository{db: d.db}
}

// Queue returns the spawn-queue repository.
func (d *DB) Queue() spawnqueue.Store {
	return &queueRepository{db: d.db}
}
