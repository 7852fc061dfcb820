//go:build linux

package cgroup_test

import (
	"os"
	"path/filepath"
	"testing"

	"corral/internal/cgroup"
	"corral/internal/childreq"
)

func TestCreateRequiresRoot(t *testing.T) {
	if _, err := cgroup.Create("", 123); err == nil {
		t.Fatal("expected error for empty cgroup root")
	}
}

func TestCreateMakesLeafDirectory(t *testing.T) {
	root := t.TempDir()
	leaf, err := cgroup.Create(root, 4242)
	if err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	info, err := os.Stat(leaf.Path)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected leaf directory to exist, stat error: %v", err)
	}
	if filepath.Base(leaf.Path) != "4242" {
		t.Fatalf("leaf path = %q, want basename 4242", leaf.Path)
	}
}

func TestApplyLimitsWritesExpectedFiles(t *testing.T) {
	root := t.TempDir()
	leaf, err := cgroup.Create(root, 1)
	if err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}

	rl := childreq.Rlimits{
		NProc: childreq.RlimitValue{Kind: "numeric", Num: 16},
		AS:    childreq.RlimitValue{Kind: "numeric", Num: 64},
	}
	if err := leaf.ApplyLimits(rl); err != nil {
		t.Fatalf("ApplyLimits: unexpected error: %v", err)
	}

	pids, err := os.ReadFile(filepath.Join(leaf.Path, "pids.max"))
	if err != nil || string(pids) != "16" {
		t.Fatalf("pids.max = %q, err %v, want %q", pids, err, "16")
	}

	mem, err := os.ReadFile(filepath.Join(leaf.Path, "memory.max"))
	wantMem := "67108864" // 64 MiB in bytes
	if err != nil || string(mem) != wantMem {
		t.Fatalf("memory.max = %q, err %v, want %q", mem, err, wantMem)
	}

	cpu, err := os.ReadFile(filepath.Join(leaf.Path, "cpu.max"))
	if err != nil || string(cpu) != "max 100000" {
		t.Fatalf("cpu.max = %q, err %v, want %q", cpu, err, "max 100000")
	}
}

func TestApplyLimitsDefaultNProcWritesMax(t *testing.T) {
	root := t.TempDir()
	leaf, err := cgroup.Create(root, 2)
	if err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	rl := childreq.Rlimits{NProc: childreq.RlimitValue{Kind: "def"}}
	if err := leaf.ApplyLimits(rl); err != nil {
		t.Fatalf("ApplyLimits: unexpected error: %v", err)
	}
	pids, err := os.ReadFile(filepath.Join(leaf.Path, "pids.max"))
	if err != nil || string(pids) != "max" {
		t.Fatalf("pids.max = %q, err %v, want %q", pids, err, "max")
	}
}

func TestAddProcessAndRemove(t *testing.T) {
	root := t.TempDir()
	leaf, err := cgroup.Create(root, 3)
	if err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	if err := leaf.AddProcess(os.Getpid()); err != nil {
		t.Fatalf("AddProcess: unexpected error: %v", err)
	}
	procs, err := os.ReadFile(filepath.Join(leaf.Path, "cgroup.procs"))
	if err != nil {
		t.Fatalf("read cgroup.procs: %v", err)
	}
	if len(procs) == 0 {
		t.Fatal("expected cgroup.procs to contain a pid")
	}

	if err := leaf.Remove(); err != nil {
		t.Fatalf("Remove: unexpected error: %v", err)
	}
	if err := leaf.Remove(); err != nil {
		t.Fatalf("second Remove must be safe, got error: %v", err)
	}
	if _, err := os.Stat(leaf.Path); !os.IsNotExist(err) {
		t.Fatalf("expected leaf directory to be gone, stat error: %v", err)
	}
}
