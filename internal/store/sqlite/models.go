package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// Timestamps are stored as Unix milliseconds so same-second inserts
// still order correctly.

func milli(t time.Time) int64 {
	return t.UnixMilli()
}

func milliPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMilli(v int64) time.Time {
	return time.UnixMilli(v)
}

func fromMilliNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// encodeStrings serializes a string list for a JSON text column.
func encodeStrings(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encoding string list: %w", err)
	}
	return string(data), nil
}

// decodeStrings parses a JSON text column back into a string list.
// Empty or null input decodes to nil.
func decodeStrings(s string) ([]string, error) {
	if s == "" || s == "[]" || s == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("decoding string list: %w", err)
	}
	return list, nil
}

// wrapIO tags a backend failure with the storage sentinel while keeping
// the driver error in the chain.
func wrapIO(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, fleet.ErrStorageIO, err)
}

// isUniqueViolation detects a UNIQUE constraint failure without binding
// to driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// requireRow turns a zero-row update into ErrNotFound for the named
// entity.
func requireRow(result sql.Result, entity string, id any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return wrapIO("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", entity, id, fleet.ErrNotFound)
	}
	return nil
}
