package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/app"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSec: 5},
		DB:      config.DBConfig{Driver: "memory"},
		Archive: config.ArchiveConfig{Backend: "none"},
	}
}

func TestNewWithMemoryServices(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Archive = config.ArchiveConfig{Backend: "memory", Prefix: "batches"}
	cfg.LinkCheck = config.LinkCheckConfig{Enabled: true, Parallelism: 2, TimeoutSeconds: 1}

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Checker)
	require.NoError(t, a.Engine.Ping(context.Background()))

	result, err := a.Engine.SaveBatch(context.Background(), []church.Church{{
		Name: "St. George", City: "Toledo", Region: "OH", ContactPhone: "419-555-0101",
	}})
	require.NoError(t, err)
	assert.Equal(t, church.BatchResult{Saved: 1}, result)
}

func TestNewWithLocalArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := memoryConfig()
	cfg.Archive = config.ArchiveConfig{Backend: "local", BaseDir: dir, Prefix: "raw"}

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Nil(t, a.Checker)

	_, err = a.Engine.SaveBatch(context.Background(), []church.Church{{
		Name: "Holy Cross", City: "Erie", Region: "PA", Website: "https://holycross.example",
	}})
	require.NoError(t, err)

	var archived []string
	require.NoError(t, filepath.WalkDir(filepath.Join(dir, "raw"), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			archived = append(archived, path)
		}
		return err
	}))
	assert.Len(t, archived, 1)
}

func TestNewRejectsBadServices(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name string
		cfg  func(c config.Config) config.Config
	}{
		{"unknown driver", func(c config.Config) config.Config { c.DB.Driver = "mysql"; return c }},
		{"unknown archive", func(c config.Config) config.Config { c.Archive.Backend = "s3"; return c }},
		{"archive dir is a file", func(c config.Config) config.Config {
			c.Archive = config.ArchiveConfig{Backend: "local", BaseDir: file}
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(context.Background(), tt.cfg(memoryConfig()), nil)
			require.Error(t, err)
		})
	}
}
