package blackboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 500
)

// PostOptions carries the optional parts of a post.
type PostOptions struct {
	// Topic routes the message. Empty posts to the general board.
	Topic string

	// Target addresses one handle. Empty broadcasts within the swarm.
	Target string

	// Priority defaults to normal.
	Priority Priority

	// ExpiresIn overrides the topic's default expiry. Zero keeps the
	// default (alerts 24h, status 1h, otherwise none).
	ExpiresIn time.Duration
}

// Service implements the board operations over a Store, enforcing swarm
// access and emitting bus events.
type Service struct {
	store Store
	bus   *bus.Bus
	now   func() time.Time
}

// NewService returns a board service backed by the given store.
func NewService(store Store, b *bus.Bus) *Service {
	return &Service{store: store, bus: b, now: time.Now}
}

// Post writes a message to the swarm's board and emits blackboard:posted.
func (s *Service) Post(caller fleet.Caller, swarmID, sender string, msgType MessageType, payload json.RawMessage, opts PostOptions) (*Message, error) {
	if !caller.CanAccessSwarm(swarmID) {
		return nil, fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	if !msgType.IsValid() {
		return nil, fmt.Errorf("unknown message type %q: %w", msgType, fleet.ErrInvalidState)
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("unknown priority %q: %w", priority, fleet.ErrInvalidState)
	}

	m := &Message{
		SwarmID:  swarmID,
		Topic:    opts.Topic,
		Sender:   sender,
		Target:   opts.Target,
		Type:     msgType,
		Priority: priority,
		Payload:  payload,
	}
	if expiry := s.expiryFor(opts); expiry != nil {
		m.ExpiresAt = expiry
	}

	if err := s.store.Post(m); err != nil {
		return nil, err
	}

	log.Debug(log.CatBoard, "message posted",
		"swarm", swarmID, "topic", m.Topic, "sender", sender, "priority", string(priority))
	s.bus.Emit(bus.BlackboardPosted, bus.Payload{
		SwarmID: swarmID,
		Handle:  sender,
		BoardID: m.ID,
	})

	return m, nil
}

func (s *Service) expiryFor(opts PostOptions) *time.Time {
	var ttl time.Duration
	switch {
	case opts.ExpiresIn > 0:
		ttl = opts.ExpiresIn
	case opts.Topic == TopicAlerts:
		ttl = AlertExpiry
	case IsStatusTopic(opts.Topic):
		ttl = StatusExpiry
	default:
		return nil
	}
	at := s.now().Add(ttl)
	return &at
}

// Read returns visible messages ordered priority descending then newest
// first. UnreadOnly requires a reader handle.
func (s *Service) Read(caller fleet.Caller, swarmID string, f ReadFilter) ([]*Message, error) {
	if !caller.CanAccessSwarm(swarmID) {
		return nil, fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	if f.UnreadOnly && f.Reader == "" {
		return nil, fmt.Errorf("unreadOnly requires a reader handle: %w", fleet.ErrInvalidState)
	}
	if f.Limit <= 0 {
		f.Limit = defaultReadLimit
	}
	if f.Limit > maxReadLimit {
		f.Limit = maxReadLimit
	}
	return s.store.List(swarmID, f)
}

// MarkRead records that reader has seen the given messages.
func (s *Service) MarkRead(caller fleet.Caller, swarmID string, ids []int64, reader string) error {
	if !caller.CanAccessSwarm(swarmID) {
		return fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.store.MarkRead(ids, reader)
}

// Subscribe is a bounded catch-up read against monotonically increasing
// ids. Callers poll, carrying NewLastSeenID forward.
func (s *Service) Subscribe(caller fleet.Caller, swarmID, topic string, lastSeenID int64, limit int) (*SubscribeResult, error) {
	if !caller.CanAccessSwarm(swarmID) {
		return nil, fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	messages, err := s.store.ListSince(swarmID, topic, lastSeenID, limit)
	if err != nil {
		return nil, err
	}

	result := &SubscribeResult{Messages: messages, NewLastSeenID: lastSeenID}
	for _, m := range messages {
		if m.ID > result.NewLastSeenID {
			result.NewLastSeenID = m.ID
		}
	}
	return result, nil
}

// Archive stamps the given messages archived and emits blackboard:archived.
func (s *Service) Archive(caller fleet.Caller, swarmID string, ids []int64) error {
	if !caller.CanAccessSwarm(swarmID) {
		return fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.store.Archive(swarmID, ids); err != nil {
		return err
	}
	s.bus.Emit(bus.BlackboardArchived, bus.Payload{
		SwarmID: swarmID,
		Count:   len(ids),
	})
	return nil
}

// ArchiveOld archives messages older than maxAge and returns the count.
func (s *Service) ArchiveOld(caller fleet.Caller, swarmID string, maxAge time.Duration) (int, error) {
	if !caller.CanAccessSwarm(swarmID) {
		return 0, fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}

	cutoff := s.now().Add(-maxAge)
	count, err := s.store.ArchiveOlderThan(swarmID, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info(log.CatBoard, "archived old messages", "swarm", swarmID, "count", count)
		s.bus.Emit(bus.BlackboardArchived, bus.Payload{
			SwarmID: swarmID,
			Count:   count,
		})
	}
	return count, nil
}

// PurgeArchived physically removes messages archived before the retention
// cutoff. Intended for the daemon's periodic sweep.
func (s *Service) PurgeArchived(retention time.Duration) (int, error) {
	return s.store.PurgeArchived(s.now().Add(-retention))
}

// UnreadCount counts live messages the reader has not seen.
func (s *Service) UnreadCount(caller fleet.Caller, swarmID, reader string) (int, error) {
	if !caller.CanAccessSwarm(swarmID) {
		return 0, fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	return s.store.UnreadCount(swarmID, reader)
}

// Stats summarizes the swarm's board.
func (s *Service) Stats(caller fleet.Caller, swarmID string) (*Stats, error) {
	if !caller.CanAccessSwarm(swarmID) {
		return nil, fmt.Errorf("swarm %s: %w", swarmID, fleet.ErrAccessDenied)
	}
	return s.store.Stats(swarmID)
}
