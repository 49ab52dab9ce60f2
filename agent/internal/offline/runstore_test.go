package offline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastionhq.dev/bastion/shared/types"
)

func TestRunStore_StartAppendFinish(t *testing.T) {
	store, err := NewRunStore(t.TempDir())
	require.NoError(t, err)

	runID := "run-1"
	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.StartRun(runID, "job-1", "offline", started, json.RawMessage(`{"kind":"local_dir"}`)))

	require.NoError(t, store.AppendEvent(runID, types.EventLevelInfo, "started", "agent-local execution started", nil))
	require.NoError(t, store.AppendEvent(runID, types.EventLevelInfo, "progress", "", map[string]interface{}{"done_bytes": 100}))

	counts, err := store.InFlightCountByJob()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["job-1"])

	require.NoError(t, store.FinishRun(runID, "completed", time.Now(), json.RawMessage(`{"parts":1}`), ""))

	counts, err = store.InFlightCountByJob()
	require.NoError(t, err)
	assert.Equal(t, 0, counts["job-1"])

	loaded, err := store.Load(runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", loaded.Run.Status)
	assert.Equal(t, "job-1", loaded.Run.JobID)
	require.Len(t, loaded.Events, 2)
	assert.Equal(t, int64(1), loaded.Events[0].Seq)
	assert.Equal(t, int64(2), loaded.Events[1].Seq)
	assert.Equal(t, "started", loaded.Events[0].Kind)
}

func TestRunStore_PendingRunsAndRemove(t *testing.T) {
	store, err := NewRunStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.StartRun("run-a", "job-1", "offline", time.Now(), nil))
	require.NoError(t, store.StartRun("run-b", "job-2", "offline", time.Now(), nil))

	ids, err := store.PendingRuns()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, ids)

	require.NoError(t, store.Remove("run-a"))

	ids, err = store.PendingRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-b"}, ids)
}

func TestRunStore_PendingRunsEmptyWhenDirMissing(t *testing.T) {
	store := &RunStore{}
	ids, err := store.PendingRuns()
	require.NoError(t, err)
	assert.Nil(t, ids)
}
