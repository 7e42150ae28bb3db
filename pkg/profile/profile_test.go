package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhost/warden/pkg/trust"
)

func TestLoadMissingProfileDefaults(t *testing.T) {
	svc := NewService(t.TempDir())

	settings, err := svc.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", settings.ID)
	assert.Equal(t, "alice", settings.Name)
	assert.Equal(t, trust.LevelAskAlways, settings.DefaultTrustLevel)
}

func TestSaveAndLoad(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root)

	saved := Settings{
		ID:                "alice",
		Name:              "Alice",
		DefaultTrustLevel: trust.LevelAskOnce,
		CloudProviders:    []string{"openai:gpt"},
	}
	require.NoError(t, svc.Save(saved))

	// Fresh service forces a disk read.
	loaded, err := NewService(root).Load("alice")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestLoadInvalidTrustLevel(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "profiles", "bob")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile.yaml"),
		[]byte("id: bob\ndefault_trust_level: 9\n"), 0o644))

	_, err := NewService(root).Load("bob")
	assert.ErrorContains(t, err, "invalid trust level")
}

func TestSaveRequiresID(t *testing.T) {
	svc := NewService(t.TempDir())
	assert.Error(t, svc.Save(Settings{Name: "nameless"}))
}

func TestDirsCreatedOnDemand(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root)

	logs, err := svc.LogsDir("alice")
	require.NoError(t, err)
	assert.DirExists(t, logs)
	assert.Equal(t, filepath.Join(root, "profiles", "alice", "logs"), logs)

	for _, fn := range []func(string) (string, error){svc.TrustDir, svc.MemoryDir} {
		dir, err := fn("alice")
		require.NoError(t, err)
		assert.DirExists(t, dir)
	}
}

func TestAuditLogCachedPerProfile(t *testing.T) {
	svc := NewService(t.TempDir())

	first := svc.AuditLog("alice")
	require.NotNil(t, first)
	assert.Same(t, first, svc.AuditLog("alice"))
	assert.NotSame(t, first, svc.AuditLog("bob"))
}

func TestTrustProfile(t *testing.T) {
	settings := Settings{ID: "alice", DefaultTrustLevel: trust.LevelAllowAndLog}
	p := settings.TrustProfile()
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, trust.LevelAllowAndLog, p.DefaultTrustLevel)
}
