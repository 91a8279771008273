package cgroups

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestManagerV2(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory"), 0o644))

	m := New(root, "upscaler")
	assert.Equal(t, 2, m.Version())

	path, err := m.Create("job-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "upscaler", "job-1"), path)

	require.NoError(t, m.Apply(path, Limits{CPUMax: "50000 100000", CPUWeight: 200, MemoryMax: 1 << 30}))
	assert.Equal(t, "50000 100000", readFile(t, filepath.Join(path, "cpu.max")))
	assert.Equal(t, "200", readFile(t, filepath.Join(path, "cpu.weight")))
	assert.Equal(t, "1073741824", readFile(t, filepath.Join(path, "memory.max")))

	require.NoError(t, m.Join(path, 4242))
	assert.Equal(t, "4242", readFile(t, filepath.Join(path, "cgroup.procs")))

	// a real cgroupfs removes control files itself
	for _, f := range []string{"cpu.max", "cpu.weight", "memory.max", "cgroup.procs"} {
		require.NoError(t, os.Remove(filepath.Join(path, f)))
	}
	require.NoError(t, m.Delete(path))
	assert.NoDirExists(t, path)
}

func TestManagerV1(t *testing.T) {
	root := t.TempDir()
	m := New(root, "")
	assert.Equal(t, 1, m.Version())

	path, err := m.Create("job-2")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cpu", "upscaler", "job-2"), path)

	require.NoError(t, m.Apply(path, Limits{CPUWeight: 100, MemoryMax: 2048}))
	assert.Equal(t, "1024", readFile(t, filepath.Join(path, "cpu.shares")))
	assert.Equal(t, "2048", readFile(t, filepath.Join(root, "memory", "upscaler", "job-2", "memory.limit_in_bytes")))
}

func TestApplyRejectsInvalidLimits(t *testing.T) {
	root := t.TempDir()
	m := New(root, "")
	path, err := m.Create("job-3")
	require.NoError(t, err)

	assert.Error(t, m.Apply(path, Limits{CPUWeight: 20000}))
	assert.Error(t, m.Apply(path, Limits{MemoryMax: -1}))
	assert.Error(t, m.Join(path, 0))
}

func TestEmptyPathIsNoop(t *testing.T) {
	m := New(t.TempDir(), "")
	assert.NoError(t, m.Apply("", Limits{MemoryMax: 1}))
	assert.NoError(t, m.Join("", 1))
	assert.NoError(t, m.Delete(""))
	assert.True(t, Limits{}.IsZero())
}
