package cmdutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestReadConfig(t *testing.T) {
	dir := chdirTemp(t)

	v := viper.New()
	require.NoError(t, ReadConfig(v, "", "api"), "no file is fine")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "api.yaml"), []byte("http_port: \"9999\"\n"), 0o644))
	v = viper.New()
	require.NoError(t, ReadConfig(v, "", "api"))
	assert.Equal(t, "9999", v.GetString("http_port"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("http_port: [\n"), 0o644))
	assert.Error(t, ReadConfig(viper.New(), filepath.Join(dir, "bad.yaml"), "api"))
}

func TestReadConfig_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TASKBOT_TEST_SECRET=from-dotenv\n"), 0o644))
	t.Setenv("TASKBOT_TEST_SECRET", "")
	require.NoError(t, os.Unsetenv("TASKBOT_TEST_SECRET"))

	v := viper.New()
	require.NoError(t, ReadConfig(v, "", "api"))
	assert.Equal(t, "from-dotenv", v.GetString("taskbot_test_secret"))
}

func TestWriteDefault(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "api.yaml")
	require.NoError(t, WriteDefault(dest, "a: 1\n", false))

	err := WriteDefault(dest, "a: 2\n", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, WriteDefault(dest, "a: 2\n", true))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(got))
}

func TestNewVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := NewVersionCmd("taskbot-api")
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "taskbot-api "))
}
