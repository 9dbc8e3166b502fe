// Package runtime abstracts the async filesystem and task-spawning
// primitives that the resource system is built on, so that its driver
// loop never calls os.* directly and stays swappable in tests.
package runtime

import (
	"context"
	"os"
)

// DirEntry is the subset of os.DirEntry the resource system's chown-tree
// walk needs.
type DirEntry = os.DirEntry

// Task is a cancellable handle to work spawned via Runtime.SpawnTask.
// Cancelling the context passed to the spawned function is the only
// supported cancellation path; Task itself exposes no Cancel method so
// that callers are forced to thread a context through, matching the
// Rust source's reliance on JoinHandle::abort only being reachable via
// dropping the owning future.
type Task[T any] interface {
	// Wait blocks until the spawned function returns, yielding its
	// result. Calling Wait more than once is undefined.
	Wait(ctx context.Context) (T, error)
}

// Runtime is the collaborator the resource system issues every
// filesystem operation and every background task through. Implementations
// must be safe for concurrent use by multiple goroutines.
type Runtime interface {
	FSCopy(ctx context.Context, src, dst string) error
	FSRename(ctx context.Context, src, dst string) error
	FSRemoveFile(ctx context.Context, path string) error
	FSHardLink(ctx context.Context, src, dst string) error
	FSCreateDirAll(ctx context.Context, path string) error
	FSMkfifo(ctx context.Context, path string, mode os.FileMode) error
	FSTouch(ctx context.Context, path string) error
	FSChown(ctx context.Context, path string, uid, gid int) error
	FSReadDir(ctx context.Context, path string) ([]DirEntry, error)
	FSStat(ctx context.Context, path string) (os.FileInfo, error)

	// SpawnTask runs fn on a fresh goroutine and returns a Task that
	// observes its result. fn must itself respect ctx cancellation.
	SpawnTask(ctx context.Context, fn func(ctx context.Context) error) Task[error]
}
