package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zjrosen/hive/internal/fleet"
)

// itob renders an id as a big-endian key so cursor order matches id
// order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v)) //nolint:gosec // sequences never go negative
	return b
}

// btoi is the inverse of itob.
func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b)) //nolint:gosec // sequences never overflow
}

// wrapIO tags a backend failure with the storage sentinel while keeping
// the underlying error in the chain.
func wrapIO(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, fleet.ErrStorageIO, err)
}

// notFound builds the canonical missing-entity error.
func notFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, fleet.ErrNotFound)
}

// isDomainErr reports whether the error already carries a domain
// sentinel, so storage wrapping should not bury it.
func isDomainErr(err error) bool {
	return errors.Is(err, fleet.ErrNotFound) ||
		errors.Is(err, fleet.ErrHandleTaken) ||
		errors.Is(err, fleet.ErrInvalidState)
}
