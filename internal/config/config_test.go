package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, StagegateDir), cfg.RootDir)
	assert.Equal(t, filepath.Join(dir, StagegateDir, "workflow.yaml"), cfg.SchemaPath)
	assert.Equal(t, filepath.Join(dir, StagegateDir, "instances"), cfg.StoreDir)
	assert.Equal(t, 5*time.Second, cfg.MetricsTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadReadsProjectFile(t *testing.T) {
	dir := t.TempDir()
	doc := "stages_dir: /srv/stages\nmetrics_timeout: 750ms\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stagegate.yaml"), []byte(doc), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/srv/stages", cfg.StagesDir)
	assert.Equal(t, 750*time.Millisecond, cfg.MetricsTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset paths still derive from the root.
	assert.Equal(t, filepath.Join(dir, StagegateDir, "audit", "audit.log"), cfg.AuditPath)
}

func TestLoadPropagatesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stagegate.yaml"), []byte(":\n\t- broken"), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestDefaultMatchesLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(dir), loaded)
}
