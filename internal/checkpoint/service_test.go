package checkpoint_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/testutil"
)

func newCheckpointService(t *testing.T) *checkpoint.Service {
	t.Helper()
	return checkpoint.NewService(testutil.NewTestStore(t).Checkpoints)
}

func TestService_CreateSelfOnly(t *testing.T) {
	svc := newCheckpointService(t)
	body := checkpoint.Body{Goal: "ship the parser"}

	drone := fleet.Caller{Handle: "drone-1"}
	_, err := svc.Create(drone, "drone-2", "drone-2", fleet.RoleWorker, body)
	require.ErrorIs(t, err, fleet.ErrAccessDenied)

	cp, err := svc.Create(drone, "drone-1", "drone-1", fleet.RoleWorker, body)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPending, cp.Status)

	// A lead may checkpoint on behalf of anyone.
	lead := fleet.Caller{Handle: "queen", Lead: true}
	_, err = svc.Create(lead, "drone-2", "drone-2", fleet.RoleWorker, body)
	require.NoError(t, err)

	_, err = svc.Create(fleet.System, "drone-3", "drone-3", fleet.RoleWorker, body)
	require.NoError(t, err)
}

func TestService_CreateValidates(t *testing.T) {
	svc := newCheckpointService(t)

	_, err := svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	_, err = svc.Create(fleet.System, "drone-1", "", fleet.RoleWorker, checkpoint.Body{Goal: "ship it"})
	require.ErrorIs(t, err, fleet.ErrInvalidState)
}

func TestService_AcceptOnce(t *testing.T) {
	svc := newCheckpointService(t)

	cp, err := svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{
		Goal: "ship the parser",
		Now:  "writing the lexer",
	})
	require.NoError(t, err)

	ok, err := svc.Accept(cp.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := svc.Load(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAccepted, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// The resolution is final; a late reject changes nothing.
	ok, err = svc.Reject(cp.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = svc.Load(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAccepted, got.Status)
}

func TestService_RejectOnce(t *testing.T) {
	svc := newCheckpointService(t)

	cp, err := svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{Goal: "ship it"})
	require.NoError(t, err)

	ok, err := svc.Reject(cp.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Accept(cp.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := svc.Load(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusRejected, got.Status)
}

func TestService_LoadLatest(t *testing.T) {
	svc := newCheckpointService(t)

	_, err := svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{Goal: "first pass"})
	require.NoError(t, err)
	second, err := svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{Goal: "second pass"})
	require.NoError(t, err)

	latest, err := svc.LoadLatest("drone-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, "second pass", latest.Body.Goal)

	_, err = svc.LoadLatest("stranger")
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestService_ListValidatesStatus(t *testing.T) {
	svc := newCheckpointService(t)

	cp, err := svc.Create(fleet.System, "queen", "drone-1", fleet.RoleLead, checkpoint.Body{Goal: "handover"})
	require.NoError(t, err)
	_, err = svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{Goal: "own notes"})
	require.NoError(t, err)

	_, err = svc.List("drone-1", checkpoint.ListFilter{Status: checkpoint.Status("parked")})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	got, err := svc.List("drone-1", checkpoint.ListFilter{Status: checkpoint.StatusPending})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = svc.List("drone-1", checkpoint.ListFilter{Role: fleet.RoleLead})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cp.ID, got[0].ID)
}

func TestProperty_ResolutionAtMostOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc := newCheckpointService(t)

		cp, err := svc.Create(fleet.System, "drone-1", "drone-1", fleet.RoleWorker, checkpoint.Body{Goal: "ship it"})
		require.NoError(rt, err)

		// Whatever mix of accepts and rejects arrives, exactly one call
		// wins and the stored status is that call's verdict.
		var winner checkpoint.Status
		resolutions := 0
		calls := rapid.IntRange(1, 10).Draw(rt, "calls")
		for i := 0; i < calls; i++ {
			accepting := rapid.Bool().Draw(rt, fmt.Sprintf("accept_%d", i))
			var ok bool
			if accepting {
				ok, err = svc.Accept(cp.ID)
			} else {
				ok, err = svc.Reject(cp.ID)
			}
			require.NoError(rt, err)
			if !ok {
				continue
			}
			resolutions++
			winner = checkpoint.StatusRejected
			if accepting {
				winner = checkpoint.StatusAccepted
			}
		}

		require.Equal(rt, 1, resolutions)
		got, err := svc.Load(cp.ID)
		require.NoError(rt, err)
		require.Equal(rt, winner, got.Status)
	})
}
