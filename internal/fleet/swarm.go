package fleet

import "time"

// Swarm is a logical grouping of workers sharing a blackboard namespace.
type Swarm struct {
	// ID is the generated identifier.
	ID string
	// Name is the human label for the swarm.
	Name string
	// MaxAgents caps concurrent workers in this swarm, 0 for no cap.
	MaxAgents int
	// CreatedAt is when the swarm was created.
	CreatedAt time.Time
	// DeletedAt is the soft-delete marker; nil while the swarm lives.
	DeletedAt *time.Time
}

// NewSwarm creates a swarm with a fresh id.
func NewSwarm(name string, maxAgents int) *Swarm {
	return &Swarm{
		ID:        NewID(),
		Name:      name,
		MaxAgents: maxAgents,
		CreatedAt: time.Now(),
	}
}
