package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pipeops/firecracker-resources/pkg/runtime"
)

func TestPathHandle_CopyAdoptsNewPathOnSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := NewPathHandle(src)
	rt := runtime.New()
	if err := h.Copy(context.Background(), rt, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if h.Path() != dst {
		t.Fatalf("Path() = %q, want %q", h.Path(), dst)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
}

func TestPathHandle_CopyLeavesPathOnFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "missing")
	dst := filepath.Join(dir, "dst")

	h := NewPathHandle(src)
	rt := runtime.New()
	if err := h.Copy(context.Background(), rt, dst); err == nil {
		t.Fatal("expected error copying a nonexistent source")
	}
	if h.Path() != src {
		t.Fatalf("Path() = %q, want unchanged %q", h.Path(), src)
	}
}

func TestPathHandle_RenameAdoptsNewPathOnSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := NewPathHandle(src)
	rt := runtime.New()
	if err := h.Rename(context.Background(), rt, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if h.Path() != dst {
		t.Fatalf("Path() = %q, want %q", h.Path(), dst)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source still present after rename")
	}
}

func TestPathHandle_RemoveIsRetryable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := NewPathHandle(path)
	rt := runtime.New()
	if err := h.Remove(context.Background(), rt); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if h.Path() != path {
		t.Fatalf("Path() changed after Remove: %q", h.Path())
	}
	if err := h.Remove(context.Background(), rt); err == nil {
		t.Fatal("expected second Remove of an already-removed file to fail")
	}
}
