package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store"
)

func queueItem(id string, deps ...string) *spawnqueue.Item {
	return &spawnqueue.Item{
		ID:         id,
		Requester:  "lead",
		TargetRole: fleet.RoleWorker,
		Task:       "work on " + id,
		DependsOn:  deps,
		Status:     spawnqueue.StatusPending,
	}
}

func TestQueueStore_InsertAssignsMonotonicSeq(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		var last int64
		for _, id := range []string{"a", "b", "c"} {
			item := queueItem(id)
			require.NoError(t, s.Queue.Insert(item))
			require.Greater(t, item.Seq, last)
			last = item.Seq
		}
	})
}

func TestQueueStore_GetLoadsDependencies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		require.NoError(t, s.Queue.Insert(queueItem("dep-1")))
		require.NoError(t, s.Queue.Insert(queueItem("dep-2")))

		item := queueItem("child", "dep-1", "dep-2")
		item.Context = json.RawMessage(`{"branch":"feature/x"}`)
		item.Priority = 7
		require.NoError(t, s.Queue.Insert(item))

		got, err := s.Queue.Get("child")
		require.NoError(t, err)
		assert.Equal(t, []string{"dep-1", "dep-2"}, got.DependsOn)
		assert.Equal(t, 7, got.Priority)
		assert.Equal(t, fleet.RoleWorker, got.TargetRole)
		assert.JSONEq(t, `{"branch":"feature/x"}`, string(got.Context))

		_, err = s.Queue.Get("missing")
		assert.ErrorIs(t, err, fleet.ErrNotFound)
	})
}

func TestQueueStore_ListInsertionOrderAndFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		a := queueItem("a")
		a.SwarmID = "alpha"
		b := queueItem("b")
		b.Requester = "scout-1"
		c := queueItem("c", "a")
		c.SwarmID = "alpha"
		for _, item := range []*spawnqueue.Item{a, b, c} {
			require.NoError(t, s.Queue.Insert(item))
		}
		require.NoError(t, s.Queue.UpdateStatus("b", spawnqueue.StatusApproved, ""))

		all, err := s.Queue.List(spawnqueue.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, "c", all[2].ID)
		assert.Equal(t, []string{"a"}, all[2].DependsOn)

		alpha, err := s.Queue.List(spawnqueue.Filter{SwarmID: "alpha"})
		require.NoError(t, err)
		assert.Len(t, alpha, 2)

		approved, err := s.Queue.List(spawnqueue.Filter{Status: spawnqueue.StatusApproved})
		require.NoError(t, err)
		require.Len(t, approved, 1)
		assert.Equal(t, "b", approved[0].ID)

		scout, err := s.Queue.List(spawnqueue.Filter{Requester: "scout-1"})
		require.NoError(t, err)
		assert.Len(t, scout, 1)
	})
}

func TestQueueStore_UpdateStatusRecordsReason(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		require.NoError(t, s.Queue.Insert(queueItem("a")))

		require.NoError(t, s.Queue.UpdateStatus("a", spawnqueue.StatusBlocked, "dependency rejected"))

		got, err := s.Queue.Get("a")
		require.NoError(t, err)
		assert.Equal(t, spawnqueue.StatusBlocked, got.Status)
		assert.Equal(t, "dependency rejected", got.Reason)

		err = s.Queue.UpdateStatus("missing", spawnqueue.StatusRejected, "")
		assert.ErrorIs(t, err, fleet.ErrNotFound)
	})
}

func TestQueueStore_MarkSpawnedRequiresApproved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		require.NoError(t, s.Queue.Insert(queueItem("a")))

		// Still pending: no transition.
		ok, err := s.Queue.MarkSpawned("a", "worker-1", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Queue.UpdateStatus("a", spawnqueue.StatusApproved, ""))

		ok, err = s.Queue.MarkSpawned("a", "worker-1", time.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Queue.Get("a")
		require.NoError(t, err)
		assert.Equal(t, spawnqueue.StatusSpawned, got.Status)
		assert.Equal(t, "worker-1", got.WorkerID)
		require.NotNil(t, got.SpawnedAt)

		// Spawned is terminal.
		ok, err = s.Queue.MarkSpawned("a", "worker-2", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Queue.MarkSpawned("missing", "worker-1", time.Now())
		assert.ErrorIs(t, err, fleet.ErrNotFound)
	})
}

func TestQueueStore_CountByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Queue.Insert(queueItem(id)))
		}
		require.NoError(t, s.Queue.UpdateStatus("c", spawnqueue.StatusApproved, ""))

		pending, err := s.Queue.CountByStatus(spawnqueue.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)

		approved, err := s.Queue.CountByStatus(spawnqueue.StatusApproved)
		require.NoError(t, err)
		assert.Equal(t, 1, approved)

		spawned, err := s.Queue.CountByStatus(spawnqueue.StatusSpawned)
		require.NoError(t, err)
		assert.Zero(t, spawned)
	})
}

func TestQueueStore_CancelActiveSkipsTerminal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		for _, id := range []string{"pending", "approved", "spawned"} {
			require.NoError(t, s.Queue.Insert(queueItem(id)))
		}
		require.NoError(t, s.Queue.UpdateStatus("approved", spawnqueue.StatusApproved, ""))
		require.NoError(t, s.Queue.UpdateStatus("spawned", spawnqueue.StatusApproved, ""))
		ok, err := s.Queue.MarkSpawned("spawned", "worker-1", time.Now())
		require.NoError(t, err)
		require.True(t, ok)

		n, err := s.Queue.CancelActive("shutdown")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []string{"pending", "approved"} {
			got, err := s.Queue.Get(id)
			require.NoError(t, err)
			assert.Equal(t, spawnqueue.StatusRejected, got.Status)
			assert.Equal(t, "shutdown", got.Reason)
		}

		// The spawned item keeps its record.
		got, err := s.Queue.Get("spawned")
		require.NoError(t, err)
		assert.Equal(t, spawnqueue.StatusSpawned, got.Status)

		n, err = s.Queue.CancelActive("again")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
