package mail

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

const defaultPageSize = 50

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	Subject string
}

// Service implements mail and handoff operations over a Store.
type Service struct {
	store Store
	bus   *bus.Bus
	now   func() time.Time
}

// NewService returns a mail service backed by the given store.
func NewService(store Store, b *bus.Bus) *Service {
	return &Service{store: store, bus: b, now: time.Now}
}

// Send delivers a message and emits mail:delivered for in-process
// subscribers such as a live recipient's injection pipeline.
func (s *Service) Send(from, to, body string, opts SendOptions) (*Message, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("mail requires from and to handles: %w", fleet.ErrInvalidState)
	}

	m := &Message{From: from, To: to, Subject: opts.Subject, Body: body}
	if err := s.store.Insert(m); err != nil {
		return nil, err
	}

	log.Debug(log.CatMail, "mail sent", "from", from, "to", to, "id", m.ID)
	s.bus.Emit(bus.MailDelivered, bus.Payload{
		Handle: to,
		MailID: m.ID,
	})

	return m, nil
}

// GetUnread returns the recipient's unread mail, oldest first.
func (s *Service) GetUnread(handle string) ([]*Message, error) {
	return s.store.GetUnread(handle)
}

// GetAll returns the recipient's mail, newest first.
func (s *Service) GetAll(handle string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return s.store.GetAll(handle, limit)
}

// MarkRead stamps one message read.
func (s *Service) MarkRead(id int64) error {
	return s.store.MarkRead(id, s.now())
}

// MarkAllRead stamps every unread message for the handle and returns how
// many changed.
func (s *Service) MarkAllRead(handle string) (int, error) {
	return s.store.MarkAllRead(handle, s.now())
}

// CreateHandoff records a directed context transfer and emits
// mail:handoff. The context blob is size-bounded.
func (s *Service) CreateHandoff(from, to string, context json.RawMessage) (*Handoff, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("handoff requires from and to handles: %w", fleet.ErrInvalidState)
	}
	if len(context) > MaxHandoffContext {
		return nil, fmt.Errorf("handoff context %d bytes exceeds %d: %w",
			len(context), MaxHandoffContext, fleet.ErrInvalidState)
	}

	h := &Handoff{From: from, To: to, Context: context}
	if err := s.store.InsertHandoff(h); err != nil {
		return nil, err
	}

	log.Debug(log.CatMail, "handoff created", "from", from, "to", to, "id", h.ID)
	s.bus.Emit(bus.MailHandoff, bus.Payload{
		Handle: to,
		MailID: h.ID,
	})

	return h, nil
}

// AcceptHandoff stamps the handoff accepted. Returns false when it was
// already accepted.
func (s *Service) AcceptHandoff(id int64) (bool, error) {
	accepted, err := s.store.AcceptHandoff(id, s.now())
	if err != nil {
		return false, err
	}
	if accepted {
		log.Debug(log.CatMail, "handoff accepted", "id", id)
	}
	return accepted, nil
}

// PendingHandoffs returns the recipient's un-accepted handoffs, oldest
// first.
func (s *Service) PendingHandoffs(handle string) ([]*Handoff, error) {
	return s.store.PendingHandoffs(handle)
}
