package resource

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	fcruntime "github.com/pipeops/firecracker-resources/pkg/runtime"
	"github.com/pipeops/firecracker-resources/pkg/spawner"
)

func testSpawner(t *testing.T) spawner.ProcessSpawner {
	t.Helper()
	shellPath, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return spawner.NewSameUserSpawner(shellPath)
}

// flakyRuntime wraps LocalRuntime to inject a filesystem error at one
// specific path, standing in for scenario S5's read-only mount.
type flakyRuntime struct {
	*fcruntime.LocalRuntime
	failUnlinkPath string
}

func (f *flakyRuntime) FSRemoveFile(ctx context.Context, path string) error {
	if path == f.failUnlinkPath {
		return &os.PathError{Op: "unlink", Path: path, Err: syscall.EROFS}
	}
	return f.LocalRuntime.FSRemoveFile(ctx, path)
}

// flakyLinkRuntime wraps LocalRuntime to fail FSHardLink at one
// specific destination with a chosen errno, standing in for a
// cross-filesystem hard link attempt.
type flakyLinkRuntime struct {
	*fcruntime.LocalRuntime
	failLinkPath string
	errno        syscall.Errno
}

func (f *flakyLinkRuntime) FSHardLink(ctx context.Context, src, dst string) error {
	if dst == f.failLinkPath {
		return &os.LinkError{Op: "link", Old: src, New: dst, Err: f.errno}
	}
	return f.LocalRuntime.FSHardLink(ctx, src, dst)
}

// --- S1: copy-in, chown, dispose ---

func TestScenario_CopyInChownDispose(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("chowning to a foreign uid requires root")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(src, []byte("kernel-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	effective := filepath.Join(dir, "srv", "jail", "42", "boot", "vmlinux")

	sys := New(testSpawner(t), fcruntime.New(), UpgradedOwnership(1000, 1000))
	h := sys.NewMovedResource(src, MovedCopied)
	ctx := context.Background()

	init, err := h.Initialize(ctx, effective, "/boot/vmlinux", true)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if init.EffectivePath != effective {
		t.Fatalf("EffectivePath = %q, want %q", init.EffectivePath, effective)
	}

	data, err := os.ReadFile(effective)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "kernel-bytes" {
		t.Fatalf("contents = %q, want %q", data, "kernel-bytes")
	}

	info, err := os.Stat(effective)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	stat := info.Sys().(*syscall.Stat_t)
	if int(stat.Uid) != 1000 || int(stat.Gid) != 1000 {
		t.Fatalf("owner = %d:%d, want 1000:1000", stat.Uid, stat.Gid)
	}

	if err := h.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Stat(effective); !os.IsNotExist(err) {
		t.Fatalf("effective path still present after Dispose")
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source was touched by Dispose: %v", err)
	}
}

// --- S2: hard-link ownership conflict ---

func TestScenario_HardLinkOwnershipConflict(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rootfs.ext4")
	if err := os.WriteFile(src, []byte("fs"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	effective := filepath.Join(dir, "jail", "rootfs.ext4")

	sys := New(testSpawner(t), fcruntime.New(), UpgradedOwnership(1000, 1000))
	h := sys.NewMovedResource(src, MovedHardLinked)

	_, err := h.Initialize(context.Background(), effective, "", false)
	if err == nil {
		t.Fatal("expected HardLinkOwnershipConflict")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != ErrHardLinkOwnershipConflict {
		t.Fatalf("err = %v, want HardLinkOwnershipConflict", err)
	}
	if h.GetState() != StateUninitialized {
		t.Fatalf("state = %v, want Uninitialized after failed Initialize", h.GetState())
	}
}

// --- S3: fifo creation ---

func TestScenario_FifoCreation(t *testing.T) {
	dir := t.TempDir()
	effective := filepath.Join(dir, "logs", "serial.fifo")

	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sys.NewCreatedResource(effective, CreatedFifo)
	ctx := context.Background()

	if _, err := h.Initialize(ctx, effective, "", false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	info, err := os.Lstat(effective)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("mode = %v, want a named pipe", info.Mode())
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}

	if err := h.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Lstat(effective); !os.IsNotExist(err) {
		t.Fatalf("fifo still present after Dispose")
	}
}

// --- S4: produced snapshot ---

func TestScenario_ProducedSnapshot(t *testing.T) {
	dir := t.TempDir()
	effective := filepath.Join(dir, "snap", "state.snap")

	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sys.NewProducedResource(effective)
	ctx := context.Background()

	if _, err := h.Initialize(ctx, effective, "", false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := os.Stat(effective); !os.IsNotExist(err) {
		t.Fatalf("Produced resource must not create a file at Initialize")
	}
	if _, err := os.Stat(filepath.Dir(effective)); err != nil {
		t.Fatalf("parent directory missing: %v", err)
	}

	// The jailed process writes the file during the VM's lifetime.
	if err := os.WriteFile(effective, []byte("snapshot"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := h.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Stat(effective); !os.IsNotExist(err) {
		t.Fatalf("snapshot file still present after Dispose")
	}
}

func TestScenario_ProducedDisposeWithoutFileSucceeds(t *testing.T) {
	dir := t.TempDir()
	effective := filepath.Join(dir, "snap", "state.snap")

	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sys.NewProducedResource(effective)
	ctx := context.Background()

	if _, err := h.Initialize(ctx, effective, "", false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// The jailed process never wrote anything.
	if err := h.Dispose(ctx); err != nil {
		t.Fatalf("Dispose of an unwritten Produced resource should succeed: %v", err)
	}
}

// --- S5: shutdown aggregates failures ---

func TestScenario_ShutdownAggregatesFailures(t *testing.T) {
	dir := t.TempDir()
	ok1 := filepath.Join(dir, "a")
	ok2 := filepath.Join(dir, "b")
	bad := filepath.Join(dir, "c")

	rt := &flakyRuntime{LocalRuntime: fcruntime.New(), failUnlinkPath: bad}
	sys := New(testSpawner(t), rt, SharedOwnership())
	ctx := context.Background()

	h1 := sys.NewCreatedResource(ok1, CreatedFile)
	h2 := sys.NewCreatedResource(ok2, CreatedFile)
	h3 := sys.NewCreatedResource(bad, CreatedFile)

	for _, h := range []*ResourceHandle{h1, h2, h3} {
		if _, err := h.Initialize(ctx, h.GetSourcePath(), "", false); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}

	err := sys.Shutdown(ctx, time.Second)
	if err == nil {
		t.Fatal("expected an aggregate shutdown error")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != ErrAggregate {
		t.Fatalf("err = %v, want Aggregate", err)
	}
	if len(rerr.Errors) != 1 {
		t.Fatalf("Errors = %d, want 1", len(rerr.Errors))
	}

	if h1.GetState() != StateDisposed || h2.GetState() != StateDisposed {
		t.Fatalf("expected the two healthy records disposed, got %v / %v", h1.GetState(), h2.GetState())
	}
	if h3.GetState() != StateInitialized {
		t.Fatalf("expected the failing record to remain Initialized, got %v", h3.GetState())
	}

	// Idempotent: a second call is a no-op that still reports success.
	if err := sys.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("second Shutdown should be a no-op: %v", err)
	}
}

// --- S6: detach/attach across systems ---

func TestScenario_DetachAttachAcrossSystems(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "state.bin")
	if err := os.WriteFile(src, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	effective := filepath.Join(dir, "jail", "state.bin")
	ctx := context.Background()

	sysA := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sysA.NewMovedResource(src, MovedCopied)
	if _, err := h.Initialize(ctx, effective, "", false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	detached, err := sysA.Detach(h)
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	// sysA is abandoned here without ever calling Shutdown, per the
	// scenario -- the file must survive because Detach never disposes.

	sysB := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h2, err := sysB.Attach(detached)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if h2.GetState() != StateInitialized {
		t.Fatalf("state = %v, want Initialized", h2.GetState())
	}
	ep, ok := detached.GetEffectivePath()
	if !ok || ep != effective {
		t.Fatalf("GetEffectivePath() = (%q, %v), want (%q, true)", ep, ok, effective)
	}

	if err := h2.Dispose(ctx); err != nil {
		t.Fatalf("Dispose on system B: %v", err)
	}
	if _, err := os.Stat(effective); !os.IsNotExist(err) {
		t.Fatalf("effective path still present after Dispose on system B")
	}
}

// --- round-trip / idempotence properties ---

func TestProperty_ReinitializeFreshRecordAfterDispose(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	effective := filepath.Join(dir, "dst")
	ctx := context.Background()

	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())

	h1 := sys.NewMovedResource(src, MovedCopied)
	if _, err := h1.Initialize(ctx, effective, "", false); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := h1.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	h2 := sys.NewMovedResource(src, MovedCopied)
	if _, err := h2.Initialize(ctx, effective, "", false); err != nil {
		t.Fatalf("second Initialize on a fresh Record: %v", err)
	}
}

func TestProperty_DisposeOnUninitializedIsNoOp(t *testing.T) {
	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sys.NewCreatedResource(filepath.Join(t.TempDir(), "f"), CreatedFile)

	if err := h.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose on Uninitialized: %v", err)
	}
	if h.GetState() != StateDisposed {
		t.Fatalf("state = %v, want Disposed", h.GetState())
	}
}

func TestProperty_ShutdownIdempotentWithNoRecords(t *testing.T) {
	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	ctx := context.Background()

	if err := sys.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := sys.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// --- boundary behaviors ---

func TestBoundary_InitializeCreatesMissingParentChain(t *testing.T) {
	dir := t.TempDir()
	effective := filepath.Join(dir, "a", "b", "c", "f")

	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sys.NewCreatedResource(effective, CreatedFile)

	if _, err := h.Initialize(context.Background(), effective, "", false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := os.Stat(effective); err != nil {
		t.Fatalf("file missing after parent chain creation: %v", err)
	}
}

func TestBoundary_HardLinkedFailsOnEXDEV(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	effective := filepath.Join(dir, "dst")

	rt := &flakyLinkRuntime{LocalRuntime: fcruntime.New(), failLinkPath: effective, errno: syscall.EXDEV}
	sys := New(testSpawner(t), rt, SharedOwnership())
	h := sys.NewMovedResource(src, MovedHardLinked)

	_, err := h.Initialize(context.Background(), effective, "", false)
	if err == nil {
		t.Fatal("expected EXDEV failure")
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != ErrFilesystem || rerr.Op != "link" {
		t.Fatalf("err = %v, want FilesystemError{op: link}", err)
	}
}

func TestBoundary_HardLinkedOrCopiedFallsBackOnEXDEV(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	effective := filepath.Join(dir, "dst")

	rt := &flakyLinkRuntime{LocalRuntime: fcruntime.New(), failLinkPath: effective, errno: syscall.EXDEV}
	sys := New(testSpawner(t), rt, SharedOwnership())
	h := sys.NewMovedResource(src, MovedHardLinkedOrCopied)

	if _, err := h.Initialize(context.Background(), effective, "", false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	data, err := os.ReadFile(effective)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("contents = %q, want %q", data, "payload")
	}
}

func TestHandle_PingAfterShutdownFails(t *testing.T) {
	sys := New(testSpawner(t), fcruntime.New(), SharedOwnership())
	h := sys.NewCreatedResource(filepath.Join(t.TempDir(), "f"), CreatedFile)
	ctx := context.Background()

	if err := sys.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Ping(ctx); err == nil {
		t.Fatal("expected Ping after Shutdown to fail")
	}
}
