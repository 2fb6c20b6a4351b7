// Package sqlite implements the durable store on SQLite through the
// pure-Go ncruces driver. One database holds every table; repositories
// share the connection and run each method as a single transaction.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/spawnqueue"
)

// MemoryPath opens an ephemeral database, used by tests.
const MemoryPath = ":memory:"

// DB owns the SQLite connection and hands out repositories bound to it.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens the database at path, creating parent directories and the
// file as needed, and brings the schema up to date. An existing file is
// copied to path+".bak" before migrations touch it. Pass MemoryPath for
// an ephemeral database.
func NewDB(path string) (*DB, error) {
	inMemory := path == MemoryPath

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if inMemory {
		dsn = "file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		if err := backupExisting(path); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// Each pooled connection would otherwise get its own private
		// memory database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatStore, "database ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// backupExisting copies the database file aside so a bad migration can
// be recovered by hand. Missing file means first run, nothing to back up.
func backupExisting(path string) error {
	src, err := os.Open(path) //nolint:gosec // path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening database for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing backup file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing backup file: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection returns the underlying *sql.DB for ad-hoc queries.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Workers returns the worker repository.
func (db *DB) Workers() fleet.WorkerStore {
	return &workerRepository{db: db.conn}
}

// Tasks returns the task repository.
func (db *DB) Tasks() fleet.TaskStore {
	return &taskRepository{db: db.conn}
}

// WorkItems returns the work-item repository.
func (db *DB) WorkItems() fleet.WorkItemStore {
	return &workItemRepository{db: db.conn}
}

// Swarms returns the swarm repository.
func (db *DB) Swarms() fleet.SwarmStore {
	return &swarmRepository{db: db.conn}
}

// Blackboard returns the blackboard repository.
func (db *DB) Blackboard() blackboard.Store {
	return &blackboardRepository{db: db.conn}
}

// Mail returns the mail repository.
func (db *DB) Mail() mail.Store {
	return &mailRepository{db: db.conn}
}

// Checkpoints returns the checkpoint repository.
func (db *DB) Checkpoints() checkpoint.Store {
	return &checkpointRepository{db: db.conn}
}

// Queue returns the spawn-queue repository.
func (db *DB) Queue() spawnqueue.Store {
	return &queueRepository{db: db.conn}
}
