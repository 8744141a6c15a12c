package coordinator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestCommand(t *testing.T, store *Store, agentID, command string, priority int) *Command {
	t.Helper()
	cmd := &Command{
		CommandID:      command + "-" + agentID + "-" + time.Now().Format("150405.000000000"),
		AgentID:        agentID,
		Command:        command,
		TimeoutSeconds: 30,
		Priority:       priority,
	}
	require.NoError(t, store.InsertCommand(cmd))
	return cmd
}

func TestStoreInsertAndGetCommand(t *testing.T) {
	store := newTestStore(t)

	cmd := insertTestCommand(t, store, "web01", "uptime", 0)

	got, err := store.GetCommand(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "web01", got.AgentID)
	assert.Equal(t, "uptime", got.Command)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.SentAt)
	assert.Nil(t, got.CompletedAt)
}

func TestStoreGetCommandNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetCommand("no-such-command")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTransitionCAS(t *testing.T) {
	store := newTestStore(t)
	cmd := insertTestCommand(t, store, "web01", "uptime", 0)

	// pending → sent stamps sent_at.
	ok, err := store.Transition(cmd.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetCommand(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.SentAt)

	// A second pending → sent loses the CAS.
	ok, err = store.Transition(cmd.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// sent → completed with result fields stamps completed_at.
	stdout := "up 4 days"
	exitCode := 0
	execTime := 0.12
	ok, err = store.Transition(cmd.CommandID,
		[]CommandStatus{StatusSent, StatusExecuting}, StatusCompleted,
		&TransitionUpdate{Stdout: &stdout, ExitCode: &exitCode, ExecutionTime: &execTime})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = store.GetCommand(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "up 4 days", got.Stdout)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.ExecutionTime)
	assert.InDelta(t, 0.12, *got.ExecutionTime, 1e-9)
	require.NotNil(t, got.CompletedAt)

	// Terminal states never transition again.
	ok, err = store.Transition(cmd.CommandID,
		[]CommandStatus{StatusSent, StatusExecuting}, StatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreTransitionMissingCommand(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Transition("ghost", []CommandStatus{StatusPending}, StatusSent, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePendingForAgentOrder(t *testing.T) {
	store := newTestStore(t)

	low := insertTestCommand(t, store, "web01", "first-low", 0)
	time.Sleep(2 * time.Millisecond)
	high := insertTestCommand(t, store, "web01", "high", 5)
	time.Sleep(2 * time.Millisecond)
	low2 := insertTestCommand(t, store, "web01", "second-low", 0)
	insertTestCommand(t, store, "db01", "other-agent", 9)

	pending, err := store.PendingForAgent("web01")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Higher priority first, then FIFO within a priority.
	assert.Equal(t, high.CommandID, pending[0].CommandID)
	assert.Equal(t, low.CommandID, pending[1].CommandID)
	assert.Equal(t, low2.CommandID, pending[2].CommandID)
}

func TestStoreListCommandsFilters(t *testing.T) {
	store := newTestStore(t)

	a := insertTestCommand(t, store, "web01", "one", 0)
	insertTestCommand(t, store, "db01", "two", 0)

	_, err := store.Transition(a.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)

	byAgent, err := store.ListCommands(ListFilter{AgentID: "web01"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, a.CommandID, byAgent[0].CommandID)

	byStatus, err := store.ListCommands(ListFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "db01", byStatus[0].AgentID)

	limited, err := store.ListCommands(ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStoreRecoverStartup(t *testing.T) {
	store := newTestStore(t)

	sent := insertTestCommand(t, store, "web01", "sent-one", 0)
	executing := insertTestCommand(t, store, "web01", "exec-one", 0)
	pending := insertTestCommand(t, store, "web01", "still-pending", 0)

	_, err := store.Transition(sent.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)
	_, err = store.Transition(executing.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)
	_, err = store.Transition(executing.CommandID, []CommandStatus{StatusSent}, StatusExecuting, nil)
	require.NoError(t, err)

	recovered, err := store.RecoverStartup()
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	for _, id := range []string{sent.CommandID, executing.CommandID} {
		got, err := store.GetCommand(id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "coordinator restart", got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
	}

	got, err := store.GetCommand(pending.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStorePurgeOlderThan(t *testing.T) {
	store := newTestStore(t)

	done := insertTestCommand(t, store, "web01", "old-done", 0)
	pendingCmd := insertTestCommand(t, store, "web01", "old-pending", 0)

	_, err := store.Transition(done.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)
	ok, err := store.Transition(done.CommandID,
		[]CommandStatus{StatusSent, StatusExecuting}, StatusCompleted, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Cutoff in the future: the terminal row is older than it and goes.
	purged, err := store.PurgeOlderThan(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetCommand(done.CommandID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Pending rows are never purged.
	_, err = store.GetCommand(pendingCmd.CommandID)
	assert.NoError(t, err)
}

func TestStoreStatistics(t *testing.T) {
	store := newTestStore(t)

	complete := func(agentID string, execTime float64) {
		cmd := insertTestCommand(t, store, agentID, "cmd", 0)
		_, err := store.Transition(cmd.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
		require.NoError(t, err)
		_, err = store.Transition(cmd.CommandID,
			[]CommandStatus{StatusSent, StatusExecuting}, StatusCompleted,
			&TransitionUpdate{ExecutionTime: &execTime})
		require.NoError(t, err)
	}

	complete("web01", 1.0)
	complete("web01", 3.0)
	insertTestCommand(t, store, "web01", "waiting", 0)

	failed := insertTestCommand(t, store, "db01", "boom", 0)
	_, err := store.Transition(failed.CommandID, []CommandStatus{StatusPending}, StatusSent, nil)
	require.NoError(t, err)
	msg := "exploded"
	_, err = store.Transition(failed.CommandID,
		[]CommandStatus{StatusSent, StatusExecuting}, StatusFailed,
		&TransitionUpdate{ErrorMessage: &msg})
	require.NoError(t, err)

	stats, err := store.GetStatistics("")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalCommands)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)
	assert.InDelta(t, 2.0, stats.AvgExecutionTime, 1e-9)

	agentStats, err := store.GetStatistics("db01")
	require.NoError(t, err)
	assert.Equal(t, 1, agentStats.TotalCommands)
	assert.Equal(t, 1, agentStats.Failed)
}

func TestStoreAgents(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertAgent("web01", "online", `{"os":"linux"}`))
	require.NoError(t, store.UpsertAgent("db01", "online", ""))

	agent, err := store.GetAgent("web01")
	require.NoError(t, err)
	assert.Equal(t, "online", agent.Status)
	assert.Equal(t, `{"os":"linux"}`, agent.Metadata)
	assert.NotNil(t, agent.LastConnected)

	// Upsert with empty metadata keeps the old metadata.
	require.NoError(t, store.UpsertAgent("web01", "online", ""))
	agent, err = store.GetAgent("web01")
	require.NoError(t, err)
	assert.Equal(t, `{"os":"linux"}`, agent.Metadata)

	require.NoError(t, store.MarkAgent("web01", "offline"))
	agent, err = store.GetAgent("web01")
	require.NoError(t, err)
	assert.Equal(t, "offline", agent.Status)

	require.NoError(t, store.MarkAllAgentsOffline())
	agents, err := store.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)
	for _, a := range agents {
		assert.Equal(t, "offline", a.Status)
	}

	_, err = store.GetAgent("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.MarkAgent("ghost", "offline"), ErrNotFound)
}
