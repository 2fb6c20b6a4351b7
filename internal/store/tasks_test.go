package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/store"
)

func TestTaskStore_InsertRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		task := fleet.NewTask("wire the scheduler")
		task.Team = "alpha"
		require.NoError(t, s.Tasks.Insert(task))

		got, err := s.Tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, "wire the scheduler", got.Subject)
		assert.Equal(t, fleet.TaskOpen, got.Status)
		assert.Equal(t, "alpha", got.Team)
		assert.Empty(t, got.Owner)
		assert.Empty(t, got.BlockedBy)
	})
}

func TestTaskStore_AssignRecordsHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		task := fleet.NewTask("review storage layer")
		require.NoError(t, s.Tasks.Insert(task))

		require.NoError(t, s.Tasks.Assign(task.ID, "alice"))
		require.NoError(t, s.Tasks.Assign(task.ID, "bob"))

		got, err := s.Tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, "bob", got.Owner)
		assert.Equal(t, fleet.TaskInProgress, got.Status)

		history, err := s.Tasks.Assignments(task.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "alice", history[0].Handle)
		assert.Equal(t, "bob", history[1].Handle)
	})
}

func TestTaskStore_BlockAndUnblock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		dep := fleet.NewTask("dependency")
		task := fleet.NewTask("waits on dep")
		require.NoError(t, s.Tasks.Insert(dep))
		require.NoError(t, s.Tasks.Insert(task))

		require.NoError(t, s.Tasks.Block(task.ID, []string{dep.ID}))
		got, err := s.Tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.TaskBlocked, got.Status)
		assert.Equal(t, []string{dep.ID}, got.BlockedBy)

		require.NoError(t, s.Tasks.Unblock(task.ID))
		got, err = s.Tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.TaskOpen, got.Status)
		assert.Empty(t, got.BlockedBy)
	})
}

func TestTaskStore_ListFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		base := time.Now().Add(-time.Hour)
		mk := func(subject, owner, team string, status fleet.TaskStatus, offset time.Duration) {
			task := fleet.NewTask(subject)
			task.Owner = owner
			task.Team = team
			task.Status = status
			task.CreatedAt = base.Add(offset)
			task.UpdatedAt = task.CreatedAt
			require.NoError(t, s.Tasks.Insert(task))
		}
		mk("t1", "alice", "alpha", fleet.TaskOpen, 0)
		mk("t2", "alice", "beta", fleet.TaskResolved, time.Minute)
		mk("t3", "bob", "alpha", fleet.TaskOpen, 2*time.Minute)

		all, err := s.Tasks.List(fleet.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "t3", all[0].Subject)

		alice, err := s.Tasks.List(fleet.TaskFilter{Owner: "alice"})
		require.NoError(t, err)
		assert.Len(t, alice, 2)

		alpha, err := s.Tasks.List(fleet.TaskFilter{Team: "alpha"})
		require.NoError(t, err)
		assert.Len(t, alpha, 2)

		open, err := s.Tasks.List(fleet.TaskFilter{Status: fleet.TaskOpen, Team: "alpha"})
		require.NoError(t, err)
		assert.Len(t, open, 2)
	})
}

func TestTaskStore_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		_, err := s.Tasks.Get("missing")
		assert.ErrorIs(t, err, fleet.ErrNotFound)

		err = s.Tasks.UpdateStatus("missing", fleet.TaskResolved)
		assert.ErrorIs(t, err, fleet.ErrNotFound)

		err = s.Tasks.Assign("missing", "alice")
		assert.ErrorIs(t, err, fleet.ErrNotFound)
	})
}

func TestWorkItemStore_StatusJournal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		item := fleet.NewWorkItem("index the corpus")
		require.NoError(t, s.WorkItems.Insert(item))

		require.NoError(t, s.WorkItems.UpdateStatus(item.ID, fleet.WorkItemInProgress, "claimed"))
		require.NoError(t, s.WorkItems.UpdateStatus(item.ID, fleet.WorkItemCompleted, "merged"))

		got, err := s.WorkItems.Get(item.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.WorkItemCompleted, got.Status)

		events, err := s.WorkItems.Events(item.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, fleet.WorkItemStatus(""), events[0].FromStatus)
		assert.Equal(t, fleet.WorkItemPending, events[0].ToStatus)
		assert.Equal(t, "claimed", events[1].Reason)
		assert.Equal(t, fleet.WorkItemInProgress, events[2].FromStatus)
		assert.Equal(t, fleet.WorkItemCompleted, events[2].ToStatus)
	})
}

func TestWorkItemStore_DispatchBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		batch := fleet.NewBatch("wave-1")
		require.NoError(t, s.WorkItems.CreateBatch(batch))

		var ids []string
		for _, subject := range []string{"a", "b", "c"} {
			item := fleet.NewWorkItem(subject)
			item.BatchID = batch.ID
			require.NoError(t, s.WorkItems.Insert(item))
			ids = append(ids, item.ID)
		}
		// One member already finished; dispatch must not touch it.
		require.NoError(t, s.WorkItems.UpdateStatus(ids[2], fleet.WorkItemCompleted, "early"))

		moved, err := s.WorkItems.DispatchBatch(batch.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, moved)

		got, err := s.WorkItems.GetBatch(batch.ID)
		require.NoError(t, err)
		require.NotNil(t, got.DispatchedAt)

		inProgress, err := s.WorkItems.List(fleet.WorkItemFilter{
			BatchID: batch.ID, Status: fleet.WorkItemInProgress,
		})
		require.NoError(t, err)
		assert.Len(t, inProgress, 2)

		done, err := s.WorkItems.Get(ids[2])
		require.NoError(t, err)
		assert.Equal(t, fleet.WorkItemCompleted, done.Status)

		// The moved items each gained a dispatch journal row.
		events, err := s.WorkItems.Events(ids[0])
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, fleet.WorkItemInProgress, events[1].ToStatus)
	})
}

func TestWorkItemStore_DispatchUnknownBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		_, err := s.WorkItems.DispatchBatch("missing")
		assert.ErrorIs(t, err, fleet.ErrNotFound)
	})
}

func TestWorkItemStore_ListFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *store.Store) {
		batch := fleet.NewBatch("wave-1")
		require.NoError(t, s.WorkItems.CreateBatch(batch))

		base := time.Now().Add(-time.Hour)
		mk := func(subject, owner, team, batchID string, offset time.Duration) {
			item := fleet.NewWorkItem(subject)
			item.Owner = owner
			item.Team = team
			item.BatchID = batchID
			item.CreatedAt = base.Add(offset)
			item.UpdatedAt = item.CreatedAt
			require.NoError(t, s.WorkItems.Insert(item))
		}
		mk("w1", "alice", "alpha", batch.ID, 0)
		mk("w2", "bob", "alpha", "", time.Minute)
		mk("w3", "alice", "beta", batch.ID, 2*time.Minute)

		all, err := s.WorkItems.List(fleet.WorkItemFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "w3", all[0].Subject)

		batched, err := s.WorkItems.List(fleet.WorkItemFilter{BatchID: batch.ID})
		require.NoError(t, err)
		assert.Len(t, batched, 2)

		alice, err := s.WorkItems.List(fleet.WorkItemFilter{Owner: "alice", Team: "beta"})
		require.NoError(t, err)
		require.Len(t, alice, 1)
		assert.Equal(t, "w3", alice[0].Subject)
	})
}
