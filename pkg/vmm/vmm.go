// Package vmm is the VM facade: it wires a jailer.StagedVM's effective
// paths into a firecracker-go-sdk Config and drives the machine through
// start/stop, the way the teacher's vm.Manager does, minus the
// domain.Sandbox bookkeeping that package carried for its own CRI
// lifecycle (this module only owns host-side resources, not sandbox
// state).
package vmm

import (
	"context"
	"fmt"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/firecracker-resources/pkg/jailer"
)

// Config describes the guest-visible machine shape: vcpu count, memory,
// and vsock CID. It deliberately excludes anything about how the
// backing files reached the jail -- that is StagedVM's job.
type Config struct {
	VcpuCount  int64
	MemSizeMib int64
	SMTEnabled bool
	VsockCID   uint32
	KernelArgs string
}

// Manager starts and stops Firecracker machines whose backing files have
// already been staged as Resources by pkg/jailer.
type Manager struct {
	mu  sync.Mutex
	log *logrus.Entry

	machines map[string]*firecracker.Machine
}

// NewManager returns a Manager that logs through log.
func NewManager(log *logrus.Entry) *Manager {
	return &Manager{
		log:      log.WithField("component", "vmm"),
		machines: make(map[string]*firecracker.Machine),
	}
}

// Start builds a firecracker.Config from staged's effective paths and
// cfg, then creates and starts the machine. The kernel and drives must
// already be Initialized Resources on staged -- pkg/jailer.Builder.Stage
// is expected to have run first; only the kernel's presence is checked.
// The vsock socket path is derived from staged.ChrootDir and is not a
// Resource.
func (m *Manager) Start(ctx context.Context, staged *jailer.StagedVM, cfg Config) (*firecracker.Machine, error) {
	if staged.KernelEffectivePath == "" {
		return nil, fmt.Errorf("vmm: staged VM %s has no kernel resource", staged.ID)
	}

	fcConfig := firecracker.Config{
		SocketPath:      staged.SocketEffectivePath,
		KernelImagePath: staged.KernelEffectivePath,
		KernelArgs:      cfg.KernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(cfg.VcpuCount),
			MemSizeMib: firecracker.Int64(cfg.MemSizeMib),
			Smt:        firecracker.Bool(cfg.SMTEnabled),
		},
	}

	if cfg.VsockCID != 0 {
		fcConfig.VsockDevices = []firecracker.VsockDevice{
			{
				Path: staged.ChrootDir + "/vsock.sock",
				CID:  cfg.VsockCID,
			},
		}
	}

	drives := make([]models.Drive, 0, len(staged.Drives))
	for name, h := range staged.Drives {
		drives = append(drives, models.Drive{
			DriveID:      firecracker.String(name),
			PathOnHost:   firecracker.String(staged.DriveEffectivePaths[name]),
			IsRootDevice: firecracker.Bool(name == "rootfs.ext4"),
			IsReadOnly:   firecracker.Bool(false),
		})
		_ = h // the handle stays owned by the ResourceSystem; the facade only reads its path
	}
	if len(drives) > 0 {
		fcConfig.Drives = drives
	}

	machine, err := firecracker.NewMachine(ctx, fcConfig,
		firecracker.WithLogger(logrus.NewEntry(logrus.StandardLogger())))
	if err != nil {
		return nil, fmt.Errorf("vmm: create machine %s: %w", staged.ID, err)
	}

	if err := machine.Start(ctx); err != nil {
		return nil, fmt.Errorf("vmm: start machine %s: %w", staged.ID, err)
	}

	m.mu.Lock()
	m.machines[staged.ID] = machine
	m.mu.Unlock()

	pid, _ := machine.PID()
	m.log.WithFields(logrus.Fields{"id": staged.ID, "pid": pid}).Info("machine started")

	return machine, nil
}

// Stop gracefully shuts down the machine registered for id, forcing a
// StopVMM if the guest does not exit within grace.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	m.mu.Lock()
	machine, ok := m.machines[id]
	if ok {
		delete(m.machines, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("vmm: no machine registered for %s", id)
	}

	if err := machine.Shutdown(ctx); err != nil {
		m.log.WithError(err).Warn("graceful shutdown failed, forcing stop")
		_ = machine.StopVMM()
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := machine.Wait(waitCtx); err != nil {
		m.log.WithError(err).Warn("wait for machine exit failed")
		if waitCtx.Err() != nil {
			_ = machine.StopVMM()
		}
	}

	return nil
}
