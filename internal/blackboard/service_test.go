package blackboard_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/testutil"
)

func newBoardService(t *testing.T) (*blackboard.Service, *bus.Bus) {
	t.Helper()
	s := testutil.NewTestStore(t)
	b := bus.New()
	return blackboard.NewService(s.Blackboard, b), b
}

func TestService_PostDefaultsPriorityAndEmits(t *testing.T) {
	svc, b := newBoardService(t)

	var events []bus.Event
	b.On(bus.BlackboardPosted, func(e bus.Event) { events = append(events, e) })

	payload := json.RawMessage(`{"found":"dead link"}`)
	m, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, payload, blackboard.PostOptions{})
	require.NoError(t, err)

	assert.NotZero(t, m.ID)
	assert.Equal(t, blackboard.PriorityNormal, m.Priority)
	assert.Nil(t, m.ExpiresAt)

	require.Len(t, events, 1)
	assert.Equal(t, "alpha", events[0].Payload.SwarmID)
	assert.Equal(t, "scout-1", events[0].Payload.Handle)
	assert.Equal(t, m.ID, events[0].Payload.BoardID)
}

func TestService_PostRejectsUnknownTypeAndPriority(t *testing.T) {
	svc, b := newBoardService(t)

	var events []bus.Event
	b.On(bus.BlackboardPosted, func(e bus.Event) { events = append(events, e) })

	_, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.MessageType("gossip"), nil, blackboard.PostOptions{})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	_, err = svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{
		Priority: blackboard.Priority("urgent-ish"),
	})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	assert.Empty(t, events)
}

func TestService_PostExpiryDefaults(t *testing.T) {
	svc, _ := newBoardService(t)

	alert, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{
		Topic: blackboard.TopicAlerts,
	})
	require.NoError(t, err)
	require.NotNil(t, alert.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(blackboard.AlertExpiry), *alert.ExpiresAt, 5*time.Second)

	status, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{
		Topic: blackboard.StatusTopic("scout-1"),
	})
	require.NoError(t, err)
	require.NotNil(t, status.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(blackboard.StatusExpiry), *status.ExpiresAt, 5*time.Second)

	custom, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{
		Topic:     blackboard.TopicAlerts,
		ExpiresIn: 5 * time.Minute,
	})
	require.NoError(t, err)
	require.NotNil(t, custom.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *custom.ExpiresAt, 5*time.Second)

	general, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)
	assert.Nil(t, general.ExpiresAt)
}

func TestService_SwarmAccessDenied(t *testing.T) {
	svc, b := newBoardService(t)

	var events []bus.Event
	b.On(bus.BlackboardPosted, func(e bus.Event) { events = append(events, e) })
	b.On(bus.BlackboardArchived, func(e bus.Event) { events = append(events, e) })

	scout := fleet.Caller{Handle: "scout-1", Swarms: []string{"alpha"}}

	_, err := svc.Post(scout, "beta", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	_, err = svc.Read(scout, "beta", blackboard.ReadFilter{})
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	err = svc.MarkRead(scout, "beta", []int64{1}, "scout-1")
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	_, err = svc.Subscribe(scout, "beta", "", 0, 10)
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	err = svc.Archive(scout, "beta", []int64{1})
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	_, err = svc.ArchiveOld(scout, "beta", time.Hour)
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	_, err = svc.UnreadCount(scout, "beta", "scout-1")
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	_, err = svc.Stats(scout, "beta")
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	assert.Empty(t, events)

	// The claimed swarm itself stays reachable.
	_, err = svc.Post(scout, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)
}

func TestService_ReadUnreadOnlyRequiresReader(t *testing.T) {
	svc, _ := newBoardService(t)

	_, err := svc.Read(fleet.System, "alpha", blackboard.ReadFilter{UnreadOnly: true})
	require.ErrorIs(t, err, fleet.ErrInvalidState)
}

func TestService_ReadMarkReadAndCount(t *testing.T) {
	svc, _ := newBoardService(t)

	first, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)
	second, err := svc.Post(fleet.System, "alpha", "scout-2", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)

	unread, err := svc.UnreadCount(fleet.System, "alpha", "drone-1")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	require.NoError(t, svc.MarkRead(fleet.System, "alpha", []int64{first.ID}, "drone-1"))

	unread, err = svc.UnreadCount(fleet.System, "alpha", "drone-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	messages, err := svc.Read(fleet.System, "alpha", blackboard.ReadFilter{
		Reader:     "drone-1",
		UnreadOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, second.ID, messages[0].ID)

	// Marking nothing is a no-op, not an error.
	require.NoError(t, svc.MarkRead(fleet.System, "alpha", nil, "drone-1"))
}

func TestService_SubscribeAdvancesCursor(t *testing.T) {
	svc, _ := newBoardService(t)

	var posted []*blackboard.Message
	for _, sender := range []string{"scout-1", "scout-2", "scout-3"} {
		m, err := svc.Post(fleet.System, "alpha", sender, blackboard.TypeStatus, nil, blackboard.PostOptions{})
		require.NoError(t, err)
		posted = append(posted, m)
	}

	page, err := svc.Subscribe(fleet.System, "alpha", "", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, posted[0].ID, page.Messages[0].ID)
	assert.Equal(t, posted[2].ID, page.Messages[2].ID)
	assert.Equal(t, posted[2].ID, page.NewLastSeenID)

	// Nothing new: the cursor must not move.
	again, err := svc.Subscribe(fleet.System, "alpha", "", page.NewLastSeenID, 10)
	require.NoError(t, err)
	assert.Empty(t, again.Messages)
	assert.Equal(t, page.NewLastSeenID, again.NewLastSeenID)

	late, err := svc.Post(fleet.System, "alpha", "scout-4", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)

	next, err := svc.Subscribe(fleet.System, "alpha", "", page.NewLastSeenID, 10)
	require.NoError(t, err)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, late.ID, next.Messages[0].ID)
	assert.Equal(t, late.ID, next.NewLastSeenID)
}

func TestService_ArchiveEmitsBatchSize(t *testing.T) {
	svc, b := newBoardService(t)

	var events []bus.Event
	b.On(bus.BlackboardArchived, func(e bus.Event) { events = append(events, e) })

	first, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)
	second, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Archive(fleet.System, "alpha", []int64{first.ID, second.ID}))

	require.Len(t, events, 1)
	assert.Equal(t, "alpha", events[0].Payload.SwarmID)
	assert.Equal(t, 2, events[0].Payload.Count)

	messages, err := svc.Read(fleet.System, "alpha", blackboard.ReadFilter{})
	require.NoError(t, err)
	assert.Empty(t, messages)

	// An empty batch emits nothing.
	require.NoError(t, svc.Archive(fleet.System, "alpha", nil))
	assert.Len(t, events, 1)
}

func TestService_ArchiveOldSweeps(t *testing.T) {
	svc, b := newBoardService(t)

	var events []bus.Event
	b.On(bus.BlackboardArchived, func(e bus.Event) { events = append(events, e) })

	for i := 0; i < 2; i++ {
		_, err := svc.Post(fleet.System, "alpha", "scout-1", blackboard.TypeStatus, nil, blackboard.PostOptions{})
		require.NoError(t, err)
	}

	// A negative age puts the cutoff in the future so fresh rows qualify.
	count, err := svc.ArchiveOld(fleet.System, "alpha", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Payload.Count)

	// A second sweep finds nothing and stays silent.
	count, err = svc.ArchiveOld(fleet.System, "alpha", -time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, events, 1)

	stats, err := svc.Stats(fleet.System, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Zero(t, stats.Live)
}
