package fleet

import (
	"regexp"

	"github.com/google/uuid"
)

// handlePattern constrains caller-chosen worker handles.
var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewID returns a fresh 128-bit random identifier rendered as hex.
// Used for worker, swarm, batch, work-item, and spawn-queue ids.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the 8-character prefix of an id, used for worktree
// directory names and branch suffixes. Short ids of distinct workers are
// treated as distinct; the id space makes prefix collisions negligible.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// ValidHandle reports whether handle matches [A-Za-z0-9_-]{1,64}.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}
