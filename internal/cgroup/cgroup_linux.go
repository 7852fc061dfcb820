//go:build linux

// Package cgroup implements the optional cgroup v2 limiter: a per-child
// leaf directory mirroring the rlimit values already enforced inside the
// jail, applied from the parent side as defence in depth. Disabled unless
// JailConfig.CgroupRoot is set.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"corral/internal/childreq"
)

// Leaf is one created cgroup directory and its cleanup.
type Leaf struct {
	Path string
}

// Create makes a per-child cgroup v2 leaf directory under root, named by
// pid, and returns it unpopulated. The caller must call AddProcess and
// ApplyLimits afterward.
func Create(root string, pid int) (*Leaf, error) {
	if root == "" {
		return nil, fmt.Errorf("cgroup root is required")
	}
	path := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create cgroup leaf: %w", err)
	}
	return &Leaf{Path: path}, nil
}

// ApplyLimits writes pids.max, memory.max, and a fixed cpu.max quota window
// derived from the jail's rlimits.
func (l *Leaf) ApplyLimits(rl childreq.Rlimits) error {
	pidsValue := "max"
	if rl.NProc.Kind == "numeric" && rl.NProc.Num > 0 {
		pidsValue = strconv.FormatUint(rl.NProc.Num, 10)
	}
	if err := l.write("pids.max", pidsValue); err != nil {
		return err
	}

	if rl.AS.Kind == "numeric" && rl.AS.Num > 0 {
		memBytes := rl.AS.Num * 1024 * 1024
		if err := l.write("memory.max", strconv.FormatUint(memBytes, 10)); err != nil {
			return err
		}
	}

	if err := l.write("cpu.max", "max 100000"); err != nil {
		return err
	}
	return nil
}

// AddProcess adds pid to the leaf's process list.
func (l *Leaf) AddProcess(pid int) error {
	return l.write("cgroup.procs", strconv.Itoa(pid))
}

// Remove deletes the leaf directory. Safe to call more than once.
func (l *Leaf) Remove() error {
	return os.RemoveAll(l.Path)
}

func (l *Leaf) write(name, value string) error {
	return os.WriteFile(filepath.Join(l.Path, name), []byte(value), 0640)
}
