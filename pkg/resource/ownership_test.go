package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pipeops/firecracker-resources/pkg/runtime"
)

func TestOwnershipModel_SharedIsNoOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := SharedOwnership()
	rt := runtime.New()
	if err := m.ChownLeaf(context.Background(), rt, path); err != nil {
		t.Fatalf("ChownLeaf under Shared: %v", err)
	}
	if err := m.ChownTree(context.Background(), rt, dir); err != nil {
		t.Fatalf("ChownTree under Shared: %v", err)
	}
}

func TestOwnershipModel_ChownLeafToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing")

	m := UpgradedOwnership(os.Getuid(), os.Getgid())
	rt := runtime.New()
	if err := m.ChownLeaf(context.Background(), rt, path); err != nil {
		t.Fatalf("ChownLeaf on missing path should tolerate ENOENT: %v", err)
	}
}

func TestOwnershipModel_ChownTreeWalksDepthFirst(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	file := filepath.Join(nested, "leaf")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Same uid/gid as the current process, so the chown is a legal no-op
	// but still exercises the full recursive walk.
	m := UpgradedOwnership(os.Getuid(), os.Getgid())
	rt := runtime.New()
	if err := m.ChownTree(context.Background(), rt, dir); err != nil {
		t.Fatalf("ChownTree: %v", err)
	}
}

func TestOwnershipModel_ChownTreeToleratesMissingTree(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone")

	m := UpgradedOwnership(os.Getuid(), os.Getgid())
	rt := runtime.New()
	if err := m.ChownTree(context.Background(), rt, missing); err != nil {
		t.Fatalf("ChownTree on missing tree should tolerate ENOENT: %v", err)
	}
}
