// Package store assembles the durable backends behind one capability
// struct. Services depend on the narrow per-entity interfaces; only the
// composition root sees the concrete backend.
package store

import (
	"fmt"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store/bolt"
	"github.com/zjrosen/hive/internal/store/sqlite"
)

// Store bundles every per-entity repository sharing one backend. All
// repositories see each other's writes immediately.
type Store struct {
	Workers     fleet.WorkerStore
	Tasks       fleet.TaskStore
	WorkItems   fleet.WorkItemStore
	Swarms      fleet.SwarmStore
	Blackboard  blackboard.Store
	Mail        mail.Store
	Checkpoints checkpoint.Store
	Queue       spawnqueue.Store

	closer interface{ Close() error }
}

// Open creates the backend named by the config and binds every
// repository to it.
func Open(cfg config.StorageConfig) (*Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		db, err := sqlite.NewDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return fromSQLite(db), nil
	case "bolt":
		db, err := bolt.NewDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return fromBolt(db), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func fromSQLite(db *sqlite.DB) *Store {
	return &Store{
		Workers:     db.Workers(),
		Tasks:       db.Tasks(),
		WorkItems:   db.WorkItems(),
		Swarms:      db.Swarms(),
		Blackboard:  db.Blackboard(),
		Mail:        db.Mail(),
		Checkpoints: db.Checkpoints(),
		Queue:       db.Queue(),
		closer:      db,
	}
}

func fromBolt(db *bolt.DB) *Store {
	return &Store{
		Workers:     db.Workers(),
		Tasks:       db.Tasks(),
		WorkItems:   db.WorkItems(),
		Swarms:      db.Swarms(),
		Blackboard:  db.Blackboard(),
		Mail:        db.Mail(),
		Checkpoints: db.Checkpoints(),
		Queue:       db.Queue(),
		closer:      db,
	}
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
