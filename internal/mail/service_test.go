package mail_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/testutil"
)

func newMailService(t *testing.T) (*mail.Service, *bus.Bus) {
	t.Helper()
	s := testutil.NewTestStore(t)
	b := bus.New()
	return mail.NewService(s.Mail, b), b
}

func TestService_SendRequiresBothHandles(t *testing.T) {
	svc, b := newMailService(t)

	var events []bus.Event
	b.On(bus.MailDelivered, func(e bus.Event) { events = append(events, e) })

	_, err := svc.Send("", "drone-1", "hello", mail.SendOptions{})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	_, err = svc.Send("queen", "", "hello", mail.SendOptions{})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	assert.Empty(t, events)
}

func TestService_SendDeliversAndEmits(t *testing.T) {
	svc, b := newMailService(t)

	var events []bus.Event
	b.On(bus.MailDelivered, func(e bus.Event) { events = append(events, e) })

	m, err := svc.Send("queen", "drone-1", "take the auth module", mail.SendOptions{Subject: "assignment"})
	require.NoError(t, err)
	assert.NotZero(t, m.ID)

	require.Len(t, events, 1)
	assert.Equal(t, "drone-1", events[0].Payload.Handle)
	assert.Equal(t, m.ID, events[0].Payload.MailID)

	unread, err := svc.GetUnread("drone-1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "queen", unread[0].From)
	assert.Equal(t, "assignment", unread[0].Subject)
	assert.Equal(t, "take the auth module", unread[0].Body)
	assert.Nil(t, unread[0].ReadAt)

	// The sender's own box stays empty.
	unread, err = svc.GetUnread("queen")
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestService_ReadFlow(t *testing.T) {
	svc, _ := newMailService(t)

	first, err := svc.Send("queen", "drone-1", "first", mail.SendOptions{})
	require.NoError(t, err)
	_, err = svc.Send("queen", "drone-1", "second", mail.SendOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(first.ID))

	unread, err := svc.GetUnread("drone-1")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "second", unread[0].Body)

	count, err := svc.MarkAllRead("drone-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unread, err = svc.GetUnread("drone-1")
	require.NoError(t, err)
	assert.Empty(t, unread)

	count, err = svc.MarkAllRead("drone-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	// GetAll keeps read mail, newest first.
	all, err := svc.GetAll("drone-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Body)
	assert.Equal(t, "first", all[1].Body)
}

func TestService_HandoffRequiresHandlesAndBoundedContext(t *testing.T) {
	svc, b := newMailService(t)

	var events []bus.Event
	b.On(bus.MailHandoff, func(e bus.Event) { events = append(events, e) })

	_, err := svc.CreateHandoff("", "drone-2", json.RawMessage(`{}`))
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	oversize := json.RawMessage(`"` + strings.Repeat("x", mail.MaxHandoffContext) + `"`)
	_, err = svc.CreateHandoff("drone-1", "drone-2", oversize)
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	assert.Empty(t, events)
}

func TestService_HandoffLifecycle(t *testing.T) {
	svc, b := newMailService(t)

	var events []bus.Event
	b.On(bus.MailHandoff, func(e bus.Event) { events = append(events, e) })

	context := json.RawMessage(`{"branch":"drone-1/auth","openQuestions":["retry budget"]}`)
	h, err := svc.CreateHandoff("drone-1", "drone-2", context)
	require.NoError(t, err)
	assert.NotZero(t, h.ID)

	require.Len(t, events, 1)
	assert.Equal(t, "drone-2", events[0].Payload.Handle)
	assert.Equal(t, h.ID, events[0].Payload.MailID)

	pending, err := svc.PendingHandoffs("drone-2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, string(context), string(pending[0].Context))

	accepted, err := svc.AcceptHandoff(h.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	// Accepting twice reports the handoff was already taken.
	accepted, err = svc.AcceptHandoff(h.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	pending, err = svc.PendingHandoffs("drone-2")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
