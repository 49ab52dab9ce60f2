package agentstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastionhq.dev/bastion/shared/protocol"
)

func TestStore_IdentityRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	empty, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, Identity{}, empty)

	require.NoError(t, store.SaveIdentity(Identity{AgentID: "agent-123"}))

	loaded, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "agent-123", loaded.AgentID)
}

func TestStore_ConfigSnapshotRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	missing, err := store.LoadConfigSnapshot()
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap := protocol.ConfigSnapshot{
		NodeID:     "agent-123",
		SnapshotID: "snap-1",
		IssuedAt:   time.Now().UTC().Truncate(time.Second),
		Jobs: []protocol.JobSummary{
			{JobID: "job-1", Name: "daily backup", CronExpr: "0 2 * * *", Timezone: "UTC"},
		},
	}
	require.NoError(t, store.SaveConfigSnapshot(snap))

	loaded, err := store.LoadConfigSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.SnapshotID, loaded.SnapshotID)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, "job-1", loaded.Jobs[0].JobID)
}

func TestStore_SecretsSnapshotRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	snap := protocol.SecretsSnapshot{
		NodeID:   "agent-123",
		IssuedAt: time.Now().UTC().Truncate(time.Second),
		WebDAV: []protocol.WebDAVCredential{
			{SecretName: "nas-cred", Username: "backup", Password: "hunter2"},
		},
	}
	require.NoError(t, store.SaveSecretsSnapshot(snap))

	loaded, err := store.LoadSecretsSnapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.WebDAV, 1)
	assert.Equal(t, "hunter2", loaded.WebDAV[0].Password)
}

func TestStore_SealedFilesAreNotPlaintext(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	snap := protocol.SecretsSnapshot{
		NodeID: "agent-123",
		WebDAV: []protocol.WebDAVCredential{{SecretName: "x", Username: "u", Password: "super-secret-value"}},
	}
	require.NoError(t, store.SaveSecretsSnapshot(snap))

	raw, err := os.ReadFile(filepath.Join(store.dir, "secrets.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")
}
