package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// The on-disk registry records, per target pid, the command name and a copy
// of every staged patch object so a later tool run can undo the patch. It
// is advisory: a stale tree left by a crashed run is harmless.
var registryRoot = "/tmp/elfview"

const (
	regComm     = "comm"
	regMapFiles = "map_files"

	// PatchFilePrefix names staged patch copies below map_files.
	PatchFilePrefix = "patch-"
)

// RegistryRoot returns the registry root directory.
func RegistryRoot() string {
	return registryRoot
}

// SetRegistryRoot changes the registry root, for tools and tests that must
// not touch the default location.
func SetRegistryRoot(dir string) {
	registryRoot = dir
}

// RegistryDirFor returns the registry directory of a pid without opening a
// Task.
func RegistryDirFor(pid int) string {
	return filepath.Join(registryRoot, strconv.Itoa(pid))
}

// RegistryDir returns this Task's registry directory, or "" when
// RegisterOnDisk was not requested.
func (t *Task) RegistryDir() string {
	return t.registry
}

func (t *Task) createRegistry() error {
	dir := RegistryDirFor(t.pid)
	// EEXIST from a previous run is tolerated and overwritten
	if err := os.MkdirAll(filepath.Join(dir, regMapFiles), 0775); err != nil {
		return fmt.Errorf("create registry for %d: %w", t.pid, err)
	}
	if err := os.WriteFile(filepath.Join(dir, regComm), []byte(t.comm), 0664); err != nil {
		return fmt.Errorf("create registry for %d: %w", t.pid, err)
	}
	t.registry = dir
	return nil
}

// removeRegistry tears the tree down bottom-up. Directories still holding
// patch records survive on purpose, so an active patch stays discoverable
// after the tool exits.
func (t *Task) removeRegistry() {
	if t.registry == "" {
		return
	}
	if err := os.Remove(filepath.Join(t.registry, regComm)); err != nil {
		logger.Printf("registry: %v", err)
	}
	if err := os.Remove(filepath.Join(t.registry, regMapFiles)); err != nil {
		logger.Printf("registry: %v", err)
	}
	if err := os.Remove(t.registry); err != nil {
		logger.Printf("registry: %v", err)
	}
	t.registry = ""
}

// CreatePatchFile stores a byte copy of a staged patch object under
// map_files and returns its path.
func (t *Task) CreatePatchFile(data []byte) (string, error) {
	if t.registry == "" {
		return "", fmt.Errorf("pid %d: task has no registry", t.pid)
	}
	f, err := os.CreateTemp(filepath.Join(t.registry, regMapFiles), PatchFilePrefix)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
