package manager

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/testutil"
)

func newAssembler(t *testing.T) (*Assembler, *mail.Service, *checkpoint.Service) {
	t.Helper()
	s := testutil.NewTestStore(t)
	mailSvc := mail.NewService(s.Mail, bus.New())
	ckptSvc := checkpoint.NewService(s.Checkpoints)
	return NewAssembler(mailSvc, ckptSvc), mailSvc, ckptSvc
}

func TestComposeInitialPrompt(t *testing.T) {
	a, _, _ := newAssembler(t)
	w := testutil.NewWorker("bob", testutil.WithPrompt("implement the parser"))

	prompt, err := a.Compose(w, false)
	require.NoError(t, err)

	assert.Contains(t, prompt, RolePrefix(fleet.RoleWorker))
	assert.Contains(t, prompt, "## Task")
	assert.Contains(t, prompt, "implement the parser")
	assert.NotContains(t, prompt, "## Unread mail")
	assert.NotContains(t, prompt, "## Pending handoffs")
	assert.NotContains(t, prompt, "## Where you left off")
}

func TestComposeUsesRolePrefix(t *testing.T) {
	a, _, _ := newAssembler(t)

	lead := testutil.NewWorker("alice", testutil.WithRole(fleet.RoleLead))
	prompt, err := a.Compose(lead, false)
	require.NoError(t, err)
	assert.Contains(t, prompt, RolePrefix(fleet.RoleLead))

	unknown := testutil.NewWorker("mystery", testutil.WithRole(fleet.Role("alchemist")))
	prompt, err = a.Compose(unknown, false)
	require.NoError(t, err)
	assert.Contains(t, prompt, RolePrefix(fleet.RoleWorker), "unknown roles fall back to the worker prefix")
}

func TestComposeIncludesUnreadMail(t *testing.T) {
	a, mailSvc, _ := newAssembler(t)
	_, err := mailSvc.Send("alice", "bob", "the schema changed under you", mail.SendOptions{Subject: "heads up"})
	require.NoError(t, err)

	w := testutil.NewWorker("bob", testutil.WithPrompt("implement the parser"))
	prompt, err := a.Compose(w, false)
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Unread mail")
	assert.Contains(t, prompt, "the schema changed under you")
}

func TestComposeNeverMarksMailRead(t *testing.T) {
	a, mailSvc, _ := newAssembler(t)
	_, err := mailSvc.Send("alice", "bob", "still waiting on you", mail.SendOptions{})
	require.NoError(t, err)

	w := testutil.NewWorker("bob")
	for i := 0; i < 2; i++ {
		prompt, err := a.Compose(w, false)
		require.NoError(t, err)
		assert.Contains(t, prompt, "still waiting on you",
			"injection %d must re-deliver unread mail", i+1)
	}

	unread, err := mailSvc.GetUnread("bob")
	require.NoError(t, err)
	assert.Len(t, unread, 1)
}

func TestComposeIncludesPendingHandoffs(t *testing.T) {
	a, mailSvc, _ := newAssembler(t)
	ctx, err := json.Marshal(map[string]string{"branch": "feature/parser"})
	require.NoError(t, err)
	_, err = mailSvc.CreateHandoff("alice", "bob", ctx)
	require.NoError(t, err)

	w := testutil.NewWorker("bob")
	prompt, err := a.Compose(w, false)
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Pending handoffs")
	assert.Contains(t, prompt, "feature/parser")
}

func TestComposeRecoveryInjectsLatestCheckpoint(t *testing.T) {
	a, _, ckptSvc := newAssembler(t)

	first, err := ckptSvc.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{
		Goal: "implement X",
		Next: []string{"write tests"},
	})
	require.NoError(t, err)
	ok, err := ckptSvc.Accept(first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	second, err := ckptSvc.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{
		Goal: "implement X phase two",
		Next: []string{"wire the CLI"},
	})
	require.NoError(t, err)
	ok, err = ckptSvc.Accept(second.ID)
	require.NoError(t, err)
	require.True(t, ok)

	w := testutil.NewWorker("bob", testutil.WithPrompt("implement X"))
	prompt, err := a.Compose(w, true)
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Where you left off")
	assert.Contains(t, prompt, "implement X phase two")
	assert.Contains(t, prompt, "wire the CLI")
	assert.NotContains(t, prompt, "write tests", "only the latest checkpoint is injected")
	assert.Contains(t, prompt, "implement X", "initial prompt is retained on recovery")
}

func TestComposeRecoveryInjectsPendingCheckpoint(t *testing.T) {
	a, _, ckptSvc := newAssembler(t)

	_, err := ckptSvc.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{
		Goal: "implement X",
		Next: []string{"write tests"},
	})
	require.NoError(t, err)

	// Not accepted: the worker snapshotted and crashed before review.
	w := testutil.NewWorker("bob", testutil.WithPrompt("implement X"))
	prompt, err := a.Compose(w, true)
	require.NoError(t, err)

	assert.Contains(t, prompt, "## Where you left off")
	assert.Contains(t, prompt, "write tests")
}

func TestComposeRecoverySkipsRejectedCheckpoints(t *testing.T) {
	a, _, ckptSvc := newAssembler(t)

	cp, err := ckptSvc.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{
		Goal: "bad direction",
	})
	require.NoError(t, err)
	ok, err := ckptSvc.Reject(cp.ID)
	require.NoError(t, err)
	require.True(t, ok)

	w := testutil.NewWorker("bob")
	prompt, err := a.Compose(w, true)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "## Where you left off")
	assert.NotContains(t, prompt, "bad direction")
}

func TestComposeIgnoresCheckpointsUnlessRecovering(t *testing.T) {
	a, _, ckptSvc := newAssembler(t)

	cp, err := ckptSvc.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{
		Goal: "implement X",
	})
	require.NoError(t, err)
	ok, err := ckptSvc.Accept(cp.ID)
	require.NoError(t, err)
	require.True(t, ok)

	w := testutil.NewWorker("bob")
	prompt, err := a.Compose(w, false)
	require.NoError(t, err)
	assert.NotContains(t, prompt, "## Where you left off")
}

func TestComposeWithNilServices(t *testing.T) {
	a := NewAssembler(nil, nil)
	w := testutil.NewWorker("bob", testutil.WithPrompt("implement the parser"))

	prompt, err := a.Compose(w, true)
	require.NoError(t, err)
	assert.Contains(t, prompt, "implement the parser")
}
