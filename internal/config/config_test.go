package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.Record.Episodes)
	assert.Equal(t, 30, cfg.Record.FPS)
	assert.Equal(t, 60*time.Second, cfg.Record.EpisodeTime.D())
	assert.Equal(t, 10*time.Second, cfg.Record.ResetTime.D())
	assert.Equal(t, "Pick and Place Object Detection", cfg.Record.Task)
	assert.True(t, cfg.Record.Private)
	assert.Equal(t, float32(0.35), cfg.Detector.Threshold)
	assert.Contains(t, cfg.Follower.Cameras, "front")
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	assert.False(t, Exists(path))

	cfg := Default()
	cfg.Follower.Address = "192.168.1.185"
	cfg.Record.RepoID = "user/hello"
	cfg.Keyboard.Step = 2.5
	require.NoError(t, cfg.Save(path))
	assert.True(t, Exists(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	require.NoError(t, loaded.Validate())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"record": {"repo_id": "a/b", "episode_time": 30}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a/b", cfg.Record.RepoID)
	assert.Equal(t, 30*time.Second, cfg.Record.EpisodeTime.D())
	assert.Equal(t, 30, cfg.Record.FPS, "unset fields keep their defaults")
	assert.Equal(t, 5, cfg.Record.Episodes)
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = LoadOrDefault(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "no address")

	cfg.Follower.Address = "/dev/ttyUSB0"
	require.NoError(t, cfg.Validate())

	cfg.Keyboard.Step = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("HF_TOKEN=hf_file\nAZURE_STORAGE_SAS_TOKEN=sv=1&sig=x\n"), 0o600))

	t.Setenv("HF_TOKEN", "hf_env")
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")
	os.Unsetenv("AZURE_STORAGE_SAS_TOKEN")

	s, err := LoadSecrets(env, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "hf_env", s.HFToken, "environment wins over .env")
	assert.Equal(t, "sv=1&sig=x", s.SASToken)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.D())

	require.NoError(t, d.UnmarshalJSON([]byte(`2.5`)))
	assert.Equal(t, 2500*time.Millisecond, d.D())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	b, err := Duration(10 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"10s"`, string(b))
}
