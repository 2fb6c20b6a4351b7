package fleet

// Caller identifies who is invoking an operation. The transport adapter
// supplies it; the core only checks swarm claims, lead privileges, and
// self-only rules.
type Caller struct {
	// Handle is the caller's worker handle, or an operator-chosen name
	// for out-of-band callers.
	Handle string

	// Lead grants team-lead privileges such as creating checkpoints on
	// behalf of other handles.
	Lead bool

	// Swarms lists the swarm ids the caller may touch. Empty means
	// unrestricted, which is how the orchestrator itself calls in.
	Swarms []string
}

// System is the unrestricted caller used by the orchestrator's own
// internal flows.
var System = Caller{Handle: "system", Lead: true}

// CanAccessSwarm reports whether the caller may touch the given swarm.
func (c Caller) CanAccessSwarm(swarmID string) bool {
	if len(c.Swarms) == 0 {
		return true
	}
	for _, id := range c.Swarms {
		if id == swarmID {
			return true
		}
	}
	return false
}

// CanActFor reports whether the caller may perform a self-only operation
// on behalf of the given handle.
func (c Caller) CanActFor(handle string) bool {
	return c.Lead || c.Handle == handle
}
