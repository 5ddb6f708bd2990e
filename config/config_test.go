package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, NewDefaultConfig().Validate())
	assert.NoError(t, NewTestConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	c := NewDefaultConfig()
	c.LockArrayLogSize = 1
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.InitialRWSetSize = 1
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.MaxThreads = 0
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.MaxVersion = uint64(c.MaxThreads)
	assert.Error(t, c.Validate())
}

func TestFromFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "txmem-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "txmem.toml")
	body := []byte(`
lock-array-log-size = 10
initial-rw-set-size = 64
max-threads = 16
log-level = "debug"
`)
	require.NoError(t, ioutil.WriteFile(path, body, 0644))

	c, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint(10), c.LockArrayLogSize)
	assert.Equal(t, 64, c.InitialRWSetSize)
	assert.Equal(t, 16, c.MaxThreads)
	assert.Equal(t, "debug", c.LogLevel)
	// Unset fields keep their defaults.
	assert.Equal(t, uint(2), c.LockShiftExtra)
}

func TestFromFileRejectsInvalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "txmem-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte("max-threads = 0\n"), 0644))
	_, err = FromFile(path)
	assert.Error(t, err)
}
