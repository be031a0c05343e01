package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "fs", cfg.ChunkBackend)
	assert.Equal(t, "memory", cfg.ProgressBackend)
	assert.Equal(t, int64(100<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 1000, cfg.ProgressLogCap)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCANFLOW_LISTEN_ADDR", ":9000")
	t.Setenv("SCANFLOW_PROGRESS_BACKEND", "redis")
	t.Setenv("SCANFLOW_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("SCANFLOW_PROGRESS_LOG_CAP", "250")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "redis", cfg.ProgressBackend)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, 250, cfg.ProgressLogCap)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanflow.yaml")
	contents := "listen_addr: \":7070\"\nchunk_backend: s3\ns3_bucket: scanflow-chunks\nsession_ttl: 2h\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "s3", cfg.ChunkBackend)
	assert.Equal(t, "scanflow-chunks", cfg.S3Bucket)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
}

func TestValidateRejectsBadBackends(t *testing.T) {
	t.Setenv("SCANFLOW_CHUNK_BACKEND", "ftp")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRequiresS3Bucket(t *testing.T) {
	t.Setenv("SCANFLOW_CHUNK_BACKEND", "s3")
	t.Setenv("SCANFLOW_S3_BUCKET", "")
	_, err := Load("")
	assert.Error(t, err)
}
