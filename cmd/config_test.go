package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordhq/accord/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "accord.db"))
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("queue.workers", 2)
	viper.SetDefault("queue.max_attempts", 3)

	// Initialize output
	ui = output.New()

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "accord configuration")
	assert.Contains(t, string(data), "anthropic")
	assert.Contains(t, string(data), "queue")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "accord configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestReadConfigFileValues_FlattensNestedKeys(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	content := "listen_addr: \":9090\"\nanthropic:\n  model: custom\nqueue:\n  workers: 4\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	values := readConfigFileValues(cfgPath)
	assert.True(t, values["listen_addr"])
	assert.True(t, values["anthropic.model"])
	assert.True(t, values["queue.workers"])
	assert.False(t, values["db_path"])
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"listen_addr": true}

	assert.Equal(t, "(file)", detectSource("listen_addr", "ACCORD_LISTEN_ADDR", fileValues))
	assert.Equal(t, "(default)", detectSource("db_path", "ACCORD_DB_PATH", fileValues))

	t.Setenv("ACCORD_DB_PATH", "/tmp/x.db")
	assert.Equal(t, "(env: ACCORD_DB_PATH)", detectSource("db_path", "ACCORD_DB_PATH", fileValues))
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")
	err := configEditRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR")
}
