// fc-resourced is the host-side daemon that owns the Resource System: it
// loads configuration, builds the System and its collaborators (process
// spawner, optional CNI networking, admin ttrpc service), and runs until
// a signal asks it to shut down gracefully. It does not construct a
// jailer builder or VM facade.
//
// Build: go build -o fc-resourced ./cmd/fc-resourced
package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/containerd/ttrpc"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/firecracker-resources/pkg/admin"
	"github.com/pipeops/firecracker-resources/pkg/config"
	"github.com/pipeops/firecracker-resources/pkg/network"
	"github.com/pipeops/firecracker-resources/pkg/resource"
	"github.com/pipeops/firecracker-resources/pkg/runtime"
	"github.com/pipeops/firecracker-resources/pkg/spawner"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	configPath := "/etc/fc-resourced/config.toml"
	if p := os.Getenv("FC_RES_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	config.LoadFromEnv(cfg)
	cfg.ApplyToLogger(logrus.StandardLogger())

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	own := resource.SharedOwnership()
	if cfg.Resources.OwnershipMode == "upgraded" {
		own = resource.UpgradedOwnership(cfg.Resources.OwnerUID, cfg.Resources.OwnerGID)
	}

	sp, err := buildSpawner(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to build process spawner")
	}

	sys := resource.New(sp, runtime.New(), own,
		resource.WithMaxConcurrentPlacements(cfg.Resources.MaxConcurrentPlacements),
		resource.WithLogger(log),
	)

	if cfg.Network.NetworkMode == "cni" {
		netSvc, err := network.NewCNIService(network.CNIServiceConfig{
			PluginDir:     cfg.Network.CNIPluginDir,
			ConfDir:       cfg.Network.CNIConfDir,
			CacheDir:      cfg.Network.CNICacheDir,
			NetnsDir:      cfg.Network.NetnsDir,
			NetworkName:   cfg.Network.DefaultNetworkName,
			DefaultSubnet: cfg.Network.DefaultSubnet,
		}, sys, log)
		if err != nil {
			log.WithError(err).Fatal("failed to start CNI service")
		}
		_ = netSvc // wired in per-VM by the caller that creates sandboxes
	}

	srv, err := ttrpc.NewServer()
	if err != nil {
		log.WithError(err).Fatal("failed to create ttrpc server")
	}
	admin.New(sys, log).Register(srv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- admin.Serve(ctx, srv, cfg.Runtime.AdminSocket)
	}()

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("received shutdown signal")
	case err := <-serveErrCh:
		if err != nil {
			log.WithError(err).Error("admin service exited")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
	defer shutdownCancel()

	if err := sys.Shutdown(shutdownCtx, cfg.Resources.ShutdownGraceDeadline); err != nil {
		log.WithError(err).Error("resource system shutdown reported failures")
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

// buildSpawner picks a ProcessSpawner appropriate for whether the jailer
// needs elevation: running fc-resourced as root needs no elevation,
// matching the teacher's EnableJailer-gated defaults.
func buildSpawner(cfg *config.Config) (spawner.ProcessSpawner, error) {
	if os.Getuid() == 0 {
		shellPath, err := exec.LookPath("sh")
		if err != nil {
			return nil, err
		}
		return spawner.NewSameUserSpawner(shellPath), nil
	}

	if pwd := os.Getenv("FC_RES_ROOT_PWD"); pwd != "" {
		return spawner.NewSudoSpawner(pwd), nil
	}

	shellPath, err := exec.LookPath("sh")
	if err != nil {
		return nil, err
	}
	return spawner.NewSameUserSpawner(shellPath), nil
}
