// Package jailer builds jailer command-line arguments and stages the
// host-side files of a jailed Firecracker instance (kernel, drives, log
// FIFO, netns file) into its chroot, following the teacher's
// vm.JailerManager chroot layout and cgroup parenting, except every
// staged file is a Resource rather than a direct os.MkdirAll/os.Chown
// call, so placement and cleanup go through the same System every
// other host-side file does. No device nodes are created.
package jailer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/firecracker-resources/pkg/resource"
	"github.com/pipeops/firecracker-resources/pkg/spawner"
)

// Config mirrors the teacher's JailerConfig (vm.JailerConfig), trimmed
// to the fields that drive the jailer CLI and the chroot layout.
type Config struct {
	JailerBinary      string
	FirecrackerBinary string
	ChrootBaseDir     string
	UID               int
	GID               int
	NumaNode          int // -1 disables pinning, matching the teacher's default
	CgroupVersion     string
	CgroupParent      string
	Daemonize         bool
	SeccompLevel      int
}

// DefaultConfig returns sensible defaults, matching the teacher's
// DefaultJailerConfig.
func DefaultConfig() Config {
	return Config{
		JailerBinary:      "/usr/bin/jailer",
		FirecrackerBinary: "/usr/bin/firecracker",
		ChrootBaseDir:     "/srv/jailer",
		UID:               1000,
		GID:               1000,
		NumaNode:          -1,
		CgroupVersion:     "2",
		CgroupParent:      "fc-resourced.slice",
		Daemonize:         true,
		SeccompLevel:      2,
	}
}

// Drive describes one block device to stage into the jail alongside the
// rootfs.
type Drive struct {
	DriveID    string
	SourcePath string
	IsRoot     bool
	ReadOnly   bool
	Placement  resource.MovedResourceType // how the bytes reach the jail
}

// VMFiles names every host-side file a single jailed VM needs placed,
// the inputs to Builder.Stage.
type VMFiles struct {
	KernelSourcePath string
	Drives           []Drive
	LogFifo          bool
	NetNSSourcePath  string // set by pkg/network once the CNI netns file exists
}

// StagedVM is the result of staging one VM's files: a ResourceHandle per
// file plus the effective paths the jailer CLI and the VM facade need.
type StagedVM struct {
	ID        string
	ChrootDir string // <ChrootBaseDir>/firecracker/<id>/root

	Kernel  *resource.ResourceHandle
	Drives  map[string]*resource.ResourceHandle
	LogFifo *resource.ResourceHandle
	NetNS   *resource.ResourceHandle

	KernelEffectivePath string
	DriveEffectivePaths map[string]string
	LogFifoEffectivePath string
	NetNSEffectivePath   string
	SocketEffectivePath  string
}

// Builder stages VM files through a ResourceSystem and builds jailer
// CLI arguments from the result.
type Builder struct {
	cfg Config
	sys *resource.ResourceSystem
	log *logrus.Entry
}

// New returns a Builder that stages files through sys using cfg.
func New(cfg Config, sys *resource.ResourceSystem, log *logrus.Entry) *Builder {
	return &Builder{cfg: cfg, sys: sys, log: log.WithField("component", "jailer")}
}

// Stage places every file named by files into id's chroot, returning a
// StagedVM the caller uses to build jailer args and a firecracker.Config.
// Placement failures leave earlier Resources in the System in whatever
// state their own Initialize call left them; the caller is expected to
// detach/dispose via the returned handles on error, same as any other
// partially-initialized set of Resources.
func (b *Builder) Stage(ctx context.Context, id string, files VMFiles) (*StagedVM, error) {
	chrootDir := filepath.Join(b.cfg.ChrootBaseDir, "firecracker", id, "root")

	staged := &StagedVM{
		ID:                  id,
		ChrootDir:           chrootDir,
		Drives:              make(map[string]*resource.ResourceHandle),
		DriveEffectivePaths: make(map[string]string),
		SocketEffectivePath: filepath.Join(chrootDir, "run", "firecracker.socket"),
	}

	if files.KernelSourcePath != "" {
		effective := filepath.Join(chrootDir, "kernel")
		h := b.sys.NewMovedResource(files.KernelSourcePath, resource.MovedHardLinkedOrCopied)
		if _, err := h.Initialize(ctx, effective, "/kernel", true); err != nil {
			return staged, fmt.Errorf("jailer: stage kernel: %w", err)
		}
		staged.Kernel = h
		staged.KernelEffectivePath = effective
	}

	for _, d := range files.Drives {
		name := d.DriveID
		if name == "" {
			name = "rootfs.ext4"
		}
		effective := filepath.Join(chrootDir, name)
		placement := d.Placement
		if placement == 0 && !d.IsRoot {
			placement = resource.MovedCopiedOrHardLinked
		}
		h := b.sys.NewMovedResource(d.SourcePath, placement)
		if _, err := h.Initialize(ctx, effective, "/"+name, true); err != nil {
			return staged, fmt.Errorf("jailer: stage drive %s: %w", name, err)
		}
		staged.Drives[name] = h
		staged.DriveEffectivePaths[name] = effective
	}

	if files.LogFifo {
		effective := filepath.Join(chrootDir, "logs", "serial.fifo")
		h := b.sys.NewCreatedResource(effective, resource.CreatedFifo)
		if _, err := h.Initialize(ctx, effective, "/logs/serial.fifo", true); err != nil {
			return staged, fmt.Errorf("jailer: stage log fifo: %w", err)
		}
		staged.LogFifo = h
		staged.LogFifoEffectivePath = effective
	}

	if files.NetNSSourcePath != "" {
		effective := filepath.Join(chrootDir, "netns")
		h := b.sys.NewMovedResource(files.NetNSSourcePath, resource.MovedHardLinked)
		if _, err := h.Initialize(ctx, effective, "/netns", true); err != nil {
			return staged, fmt.Errorf("jailer: stage netns: %w", err)
		}
		staged.NetNS = h
		staged.NetNSEffectivePath = effective
	}

	return staged, nil
}

// Args returns the jailer command-line arguments for staged, mirroring
// the teacher's GetJailerArgs.
func (b *Builder) Args(staged *StagedVM) []string {
	args := []string{
		"--id", staged.ID,
		"--exec-file", b.cfg.FirecrackerBinary,
		"--uid", strconv.Itoa(b.cfg.UID),
		"--gid", strconv.Itoa(b.cfg.GID),
		"--chroot-base-dir", b.cfg.ChrootBaseDir,
	}

	if b.cfg.NumaNode >= 0 {
		args = append(args, "--numa-node", strconv.Itoa(b.cfg.NumaNode))
	}
	if b.cfg.CgroupVersion != "" {
		args = append(args, "--cgroup-version", b.cfg.CgroupVersion)
	}
	if b.cfg.CgroupParent != "" {
		args = append(args, "--parent-cgroup", b.cfg.CgroupParent)
	}
	if staged.NetNSEffectivePath != "" {
		args = append(args, "--netns", staged.NetNSEffectivePath)
	}
	if b.cfg.Daemonize {
		args = append(args, "--daemonize")
	}

	args = append(args, "--", "--api-sock", "/run/firecracker.socket")
	if b.cfg.SeccompLevel > 0 {
		args = append(args, "--seccomp-level", strconv.Itoa(b.cfg.SeccompLevel))
	}

	return args
}

// Launch starts the jailer binary for staged via sp, returning a handle
// to the running child. The jailer itself must run as root even when
// the rest of the orchestrator does not, so sp is typically a
// spawner.SuSpawner or spawner.SudoSpawner rather than the
// orchestrator's own user.
func (b *Builder) Launch(ctx context.Context, sp spawner.ProcessSpawner, staged *StagedVM) (spawner.Child, error) {
	parts := append([]string{b.cfg.JailerBinary}, b.Args(staged)...)
	for i, p := range parts {
		if strings.ContainsAny(p, " \t") {
			parts[i] = "'" + p + "'"
		}
	}
	return sp.Spawn(ctx, strings.Join(parts, " "))
}
