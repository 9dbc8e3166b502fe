package resource

import (
	"context"

	"github.com/pipeops/firecracker-resources/pkg/runtime"
)

// PathHandle (C1) wraps an owned absolute host path and routes every
// mutation through the Runtime. Copy and Rename update the stored path
// on success and leave it unchanged on failure. Remove consumes the
// handle conceptually; on failure the caller still holds the same
// pointer and may call Remove again.
type PathHandle struct {
	path string
}

// NewPathHandle wraps path for scoped copy/rename/remove operations.
func NewPathHandle(path string) *PathHandle {
	return &PathHandle{path: path}
}

// Path returns the handle's current path.
func (p *PathHandle) Path() string {
	return p.path
}

// Copy copies the underlying file to newPath, adopting newPath as the
// handle's path only if the copy succeeds.
func (p *PathHandle) Copy(ctx context.Context, rt runtime.Runtime, newPath string) error {
	if err := rt.FSCopy(ctx, p.path, newPath); err != nil {
		return errFilesystem("copy", newPath, err)
	}
	p.path = newPath
	return nil
}

// Rename moves the underlying file to newPath, adopting newPath as the
// handle's path only if the rename succeeds.
func (p *PathHandle) Rename(ctx context.Context, rt runtime.Runtime, newPath string) error {
	if err := rt.FSRename(ctx, p.path, newPath); err != nil {
		return errFilesystem("rename", newPath, err)
	}
	p.path = newPath
	return nil
}

// Remove unlinks the underlying file. On failure the handle is left
// exactly as it was, so the caller can retry.
func (p *PathHandle) Remove(ctx context.Context, rt runtime.Runtime) error {
	if err := rt.FSRemoveFile(ctx, p.path); err != nil {
		return errFilesystem("unlink", p.path, err)
	}
	return nil
}
