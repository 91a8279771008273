// Package cgroups places engine processes in a cgroup with resource limits.
// Everything here is best effort: a host without writable cgroups runs the
// engine unconstrained.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is the cgroup filesystem mount point
const DefaultRoot = "/sys/fs/cgroup"

// Limits applied to a single engine invocation
type Limits struct {
	CPUMax    string // "quota period" or "max" (v2 only)
	CPUWeight int    // 1-10000
	MemoryMax int64  // bytes, 0 = no limit
}

// IsZero reports whether no limit is set
func (l Limits) IsZero() bool {
	return l.CPUMax == "" && l.CPUWeight == 0 && l.MemoryMax == 0
}

// Manager creates, joins and deletes per-job cgroups under a parent group
type Manager struct {
	root    string
	parent  string
	version int
}

// New creates a manager rooted at root (normally DefaultRoot)
func New(root, parent string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if parent == "" {
		parent = "upscaler"
	}
	return &Manager{root: root, parent: parent, version: version(root)}
}

// Version returns the detected cgroup version (1 or 2)
func (m *Manager) Version() int {
	return m.version
}

func version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Create makes the cgroup directory for name. An empty path with a nil
// error means cgroups are not writable here.
func (m *Manager) Create(name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("unnamed-%d", os.Getpid())
	}
	rel := filepath.Join(m.parent, name)

	if m.version == 2 {
		return m.mkdir(filepath.Join(m.root, rel))
	}

	path, err := m.mkdir(filepath.Join(m.root, "cpu", rel))
	if path == "" || err != nil {
		return path, err
	}
	_ = os.MkdirAll(filepath.Join(m.root, "memory", rel), 0o755)
	return path, nil
}

func (m *Manager) mkdir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

// Apply writes the limits into the cgroup at path
func (m *Manager) Apply(path string, limits Limits) error {
	if path == "" {
		return nil
	}
	if limits.CPUMax != "" && m.version == 2 {
		if err := os.WriteFile(filepath.Join(path, "cpu.max"), []byte(limits.CPUMax), 0o644); err != nil {
			return fmt.Errorf("write cpu.max: %w", err)
		}
	}
	if limits.CPUWeight != 0 {
		if limits.CPUWeight < 1 || limits.CPUWeight > 10000 {
			return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", limits.CPUWeight)
		}
		file, value := "cpu.weight", limits.CPUWeight
		if m.version == 1 {
			// weight 100 = 1024 shares
			file, value = "cpu.shares", limits.CPUWeight*1024/100
		}
		if err := os.WriteFile(filepath.Join(path, file), []byte(strconv.Itoa(value)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
	}
	if limits.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", limits.MemoryMax)
	}
	if limits.MemoryMax > 0 {
		file, dir := "memory.max", path
		if m.version == 1 {
			file, dir = "memory.limit_in_bytes", m.memoryPath(path)
		}
		if err := os.WriteFile(filepath.Join(dir, file), []byte(strconv.FormatInt(limits.MemoryMax, 10)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
	}
	return nil
}

// Join moves a pid into the cgroup
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	if m.version == 1 {
		_ = os.WriteFile(filepath.Join(m.memoryPath(path), "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
	}
	return nil
}

// Delete removes the cgroup directory
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if m.version == 1 {
		_ = os.Remove(m.memoryPath(path))
	}
	return os.Remove(path)
}

func (m *Manager) memoryPath(cpuPath string) string {
	rel, err := filepath.Rel(filepath.Join(m.root, "cpu"), cpuPath)
	if err != nil {
		return cpuPath
	}
	return filepath.Join(m.root, "memory", rel)
}
