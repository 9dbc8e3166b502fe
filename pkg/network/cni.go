// Package network sets up CNI-based networking for a jailed Firecracker
// instance. The network namespace file CNI operates inside is itself
// placed through the Resource System: it is created fresh per instance
// and must be chowned and cleaned up exactly like every other jail
// file, so it is registered as a Created{File} Resource rather than
// managed by ad hoc os.Create/os.Remove calls outside the System.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"

	"github.com/containernetworking/cni/libcni"
	types100 "github.com/containernetworking/cni/pkg/types/100"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/firecracker-resources/pkg/resource"
)

// CNIService drives CNI plugins to wire up networking for a jailed
// instance and hands back its netns Resource handle.
type CNIService struct {
	config    CNIServiceConfig
	cniConfig *libcni.CNIConfig
	netConfig *libcni.NetworkConfigList
	sys       *resource.ResourceSystem
	log       *logrus.Entry
}

// CNIServiceConfig holds CNI configuration.
type CNIServiceConfig struct {
	PluginDir     string
	ConfDir       string
	CacheDir      string
	NetnsDir      string
	NetworkName   string
	DefaultSubnet string
}

// DefaultCNIServiceConfig returns sensible defaults.
func DefaultCNIServiceConfig() CNIServiceConfig {
	return CNIServiceConfig{
		PluginDir:     "/opt/cni/bin",
		ConfDir:       "/etc/cni/net.d",
		CacheDir:      "/var/lib/cni",
		NetnsDir:      "/var/run/netns",
		DefaultSubnet: "10.88.0.0/16",
	}
}

// NewCNIService creates a new CNI-based network service whose netns
// files are placed through sys.
func NewCNIService(config CNIServiceConfig, sys *resource.ResourceSystem, log *logrus.Entry) (*CNIService, error) {
	cniConfig := libcni.NewCNIConfig([]string{config.PluginDir}, nil)

	netConfig, err := loadNetworkConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to load CNI config: %w", err)
	}

	return &CNIService{
		config:    config,
		cniConfig: cniConfig,
		netConfig: netConfig,
		sys:       sys,
		log:       log.WithField("component", "cni"),
	}, nil
}

// Attachment is the result of Setup: the netns Resource handle plus the
// addressing CNI assigned.
type Attachment struct {
	ID      string
	NetNS   *resource.ResourceHandle
	NetNSPath string
	IP      net.IP
	Gateway net.IP
}

// Setup creates a network namespace file for id, registers it as a
// Created{File} Resource, runs the CNI plugin chain inside it, and
// returns the resulting Attachment.
func (s *CNIService) Setup(ctx context.Context, id, namespace, name string) (*Attachment, error) {
	s.log.WithField("id", id).Info("setting up network")

	nsPath := filepath.Join(s.config.NetnsDir, fmt.Sprintf("fc-%s", id))

	h := s.sys.NewCreatedResource(nsPath, resource.CreatedFile)
	if _, err := h.Initialize(ctx, nsPath, "", false); err != nil {
		return nil, fmt.Errorf("network: place netns: %w", err)
	}

	if err := bindNetNS(nsPath); err != nil {
		_ = h.Dispose(ctx)
		return nil, fmt.Errorf("network: bind netns: %w", err)
	}

	rt := &libcni.RuntimeConf{
		ContainerID: id,
		NetNS:       nsPath,
		IfName:      "eth0",
		Args: [][2]string{
			{"IgnoreUnknown", "1"},
			{"K8S_POD_NAMESPACE", namespace},
			{"K8S_POD_NAME", name},
		},
	}

	result, err := s.cniConfig.AddNetworkList(ctx, s.netConfig, rt)
	if err != nil {
		_ = h.Dispose(ctx)
		return nil, fmt.Errorf("CNI AddNetworkList failed: %w", err)
	}

	result100, err := types100.NewResultFromResult(result)
	if err != nil {
		_ = h.Dispose(ctx)
		return nil, fmt.Errorf("failed to parse CNI result: %w", err)
	}

	att := &Attachment{ID: id, NetNS: h, NetNSPath: nsPath}
	if len(result100.IPs) > 0 {
		att.IP = result100.IPs[0].Address.IP
	}
	for _, route := range result100.Routes {
		if route.GW != nil {
			att.Gateway = route.GW
			break
		}
	}

	s.log.WithFields(logrus.Fields{
		"id": id, "ip": att.IP, "gateway": att.Gateway, "netns": nsPath,
	}).Info("network setup complete")

	return att, nil
}

// Teardown removes the CNI plugin chain for att, then disposes its
// netns Resource.
func (s *CNIService) Teardown(ctx context.Context, namespace, name string, att *Attachment) error {
	s.log.WithField("id", att.ID).Info("tearing down network")

	rt := &libcni.RuntimeConf{
		ContainerID: att.ID,
		NetNS:       att.NetNSPath,
		IfName:      "eth0",
		Args: [][2]string{
			{"IgnoreUnknown", "1"},
			{"K8S_POD_NAMESPACE", namespace},
			{"K8S_POD_NAME", name},
		},
	}

	if err := s.cniConfig.DelNetworkList(ctx, s.netConfig, rt); err != nil {
		s.log.WithError(err).Warn("CNI DelNetworkList failed")
	}

	return att.NetNS.Dispose(ctx)
}

// bindNetNS is a hook that performs no operation and returns nil: the
// file at nsPath stays an empty regular file and is not bind-mounted as
// a network namespace. The unshare/mount pair that bind-mounting takes
// needs CAP_SYS_ADMIN.
func bindNetNS(nsPath string) error {
	// syscall.Unshare(syscall.CLONE_NEWNET) on a locked OS thread, then
	// syscall.Mount("/proc/self/ns/net", nsPath, "", syscall.MS_BIND, "")
	return nil
}

// loadNetworkConfig loads CNI network configuration from the config directory.
func loadNetworkConfig(config CNIServiceConfig) (*libcni.NetworkConfigList, error) {
	if config.NetworkName != "" {
		confList, err := libcni.LoadConfList(config.ConfDir, config.NetworkName)
		if err == nil {
			return confList, nil
		}
	}

	files, err := libcni.ConfFiles(config.ConfDir, []string{".conflist", ".conf"})
	if err != nil || len(files) == 0 {
		return createDefaultConfig(config)
	}

	if filepath.Ext(files[0]) == ".conflist" {
		return libcni.ConfListFromFile(files[0])
	}

	conf, err := libcni.ConfFromFile(files[0])
	if err != nil {
		return nil, err
	}
	return libcni.ConfListFromConf(conf)
}

// createDefaultConfig creates a default bridge network configuration.
func createDefaultConfig(config CNIServiceConfig) (*libcni.NetworkConfigList, error) {
	defaultConf := map[string]interface{}{
		"cniVersion": "1.0.0",
		"name":       "fc-net",
		"plugins": []map[string]interface{}{
			{
				"type":      "bridge",
				"bridge":    "fc-br0",
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]interface{}{
					"type":   "host-local",
					"subnet": config.DefaultSubnet,
					"routes": []map[string]string{
						{"dst": "0.0.0.0/0"},
					},
				},
			},
			{
				"type": "portmap",
				"capabilities": map[string]bool{
					"portMappings": true,
				},
			},
			{
				"type": "tc-redirect-tap",
			},
		},
	}

	confBytes, err := json.Marshal(defaultConf)
	if err != nil {
		return nil, err
	}

	return libcni.ConfListFromBytes(confBytes)
}
