package checkpoint

import (
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

const defaultPageSize = 50

// Service implements checkpoint operations over a Store. Creation is
// self-only unless the caller holds team-lead privileges.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService returns a checkpoint service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create persists a new pending checkpoint from one handle to another.
// Goal is required. Callers may only checkpoint as themselves unless
// they are a team-lead.
func (s *Service) Create(caller fleet.Caller, from, to string, fromRole fleet.Role, body Body) (*Checkpoint, error) {
	if !caller.CanActFor(from) {
		return nil, fmt.Errorf("checkpoint as %s: %w", from, fleet.ErrAccessDenied)
	}
	if body.Goal == "" {
		return nil, fmt.Errorf("checkpoint goal is required: %w", fleet.ErrInvalidState)
	}
	if to == "" {
		return nil, fmt.Errorf("checkpoint requires a recipient handle: %w", fleet.ErrInvalidState)
	}

	cp := &Checkpoint{
		From:     from,
		To:       to,
		FromRole: fromRole,
		Status:   StatusPending,
		Body:     body,
	}
	if err := s.store.Insert(cp); err != nil {
		return nil, err
	}

	log.Debug(log.CatCkpt, "checkpoint created", "from", from, "to", to, "id", cp.ID)
	return cp, nil
}

// Load retrieves one checkpoint by id.
func (s *Service) Load(id int64) (*Checkpoint, error) {
	return s.store.Get(id)
}

// LoadLatest returns the highest-id checkpoint addressed to the handle,
// regardless of status.
func (s *Service) LoadLatest(handle string) (*Checkpoint, error) {
	return s.store.Latest(handle)
}

// List returns the handle's checkpoints matching the filter, newest
// first.
func (s *Service) List(handle string, f ListFilter) ([]*Checkpoint, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Status != "" && !f.Status.IsValid() {
		return nil, fmt.Errorf("unknown checkpoint status %q: %w", f.Status, fleet.ErrInvalidState)
	}
	return s.store.List(handle, f)
}

// Accept resolves a pending checkpoint as accepted. Returns true only on
// the call that performed the transition.
func (s *Service) Accept(id int64) (bool, error) {
	ok, err := s.store.Resolve(id, StatusAccepted, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		log.Debug(log.CatCkpt, "checkpoint accepted", "id", id)
	}
	return ok, nil
}

// Reject resolves a pending checkpoint as rejected. Returns true only on
// the call that performed the transition.
func (s *Service) Reject(id int64) (bool, error) {
	ok, err := s.store.Resolve(id, StatusRejected, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		log.Debug(log.CatCkpt, "checkpoint rejected", "id", id)
	}
	return ok, nil
}
