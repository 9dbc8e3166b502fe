// Package config provides centralized configuration management for the
// firecracker-resources host orchestration library.
//
// Configuration can be loaded from:
// - TOML configuration file (default: /etc/fc-resourced/config.toml)
// - Environment variables (prefixed with FC_RES_)
//
// No command-line flags are parsed.
//
// Configuration is organized into sections matching the library's
// components:
// - Runtime: general daemon settings
// - VM: default VM shape
// - Resources: Resource System placement/ownership/shutdown policy
// - Network: CNI configuration
// - Log: logging configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the firecracker-resources daemon.
type Config struct {
	// Runtime configuration
	Runtime RuntimeConfig `toml:"runtime"`

	// VM configuration defaults
	VM VMConfig `toml:"vm"`

	// Resources configuration governs the Resource System.
	Resources ResourcesConfig `toml:"resources"`

	// Network configuration
	Network NetworkConfig `toml:"network"`

	// Logging configuration
	Log LogConfig `toml:"log"`
}

// RuntimeConfig holds general runtime settings.
type RuntimeConfig struct {
	// RuntimeDir is the directory for runtime state (sockets, etc.).
	RuntimeDir string `toml:"runtime_dir"`

	// FirecrackerBinary is the path to the firecracker binary.
	FirecrackerBinary string `toml:"firecracker_binary"`

	// JailerBinary is the path to the jailer binary.
	JailerBinary string `toml:"jailer_binary"`

	// EnableJailer controls whether to use the jailer for security isolation.
	EnableJailer bool `toml:"enable_jailer"`

	// ShutdownTimeout is how long to wait for graceful shutdown.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// AdminSocket is the path to the ttrpc admin socket.
	AdminSocket string `toml:"admin_socket"`
}

// VMConfig holds default VM configuration.
type VMConfig struct {
	// KernelPath is the path to the kernel image.
	KernelPath string `toml:"kernel_path"`

	// KernelArgs are the default kernel boot arguments.
	KernelArgs string `toml:"kernel_args"`

	// DefaultVcpuCount is the default number of vCPUs per VM.
	DefaultVcpuCount int64 `toml:"default_vcpu_count"`

	// DefaultMemoryMB is the default memory size in MB.
	DefaultMemoryMB int64 `toml:"default_memory_mb"`

	// MinMemoryMB is the minimum memory size in MB.
	MinMemoryMB int64 `toml:"min_memory_mb"`

	// MaxMemoryMB is the maximum memory size in MB.
	MaxMemoryMB int64 `toml:"max_memory_mb"`

	// EnableSMT controls whether simultaneous multithreading is enabled.
	EnableSMT bool `toml:"enable_smt"`

	// BaseRootfsPath is the path to the base rootfs new VMs are placed from.
	BaseRootfsPath string `toml:"base_rootfs_path"`

	// VsockEnabled controls whether vsock is enabled for guest communication.
	VsockEnabled bool `toml:"vsock_enabled"`
}

// ResourcesConfig governs the Resource System: where jails live, how a
// placed file's ownership is handled, how long Shutdown waits, and how
// many placements/disposals may run concurrently.
type ResourcesConfig struct {
	// ChrootBaseDir is the base directory jailed instances' chroots are
	// placed under (the jailer's --chroot-base-dir).
	ChrootBaseDir string `toml:"chroot_base_dir"`

	// OwnershipMode selects the default OwnershipModel: "shared" performs
	// no chown, so placed files keep whatever owner placement gave them
	// (hard links are allowed only in this mode), "upgraded" chowns every
	// placed file to OwnerUID:OwnerGID.
	OwnershipMode string `toml:"ownership_mode"`

	// OwnerUID/OwnerGID are used when OwnershipMode is "upgraded".
	OwnerUID int `toml:"owner_uid"`
	OwnerGID int `toml:"owner_gid"`

	// ShutdownGraceDeadline bounds how long ResourceSystem.Shutdown
	// waits for every live Record to dispose before giving up and
	// reporting an aggregate error.
	ShutdownGraceDeadline time.Duration `toml:"shutdown_grace_deadline"`

	// MaxConcurrentPlacements bounds how many placement/disposal
	// filesystem operations may run at once across the System. Zero
	// disables the limit.
	MaxConcurrentPlacements int `toml:"max_concurrent_placements"`
}

// NetworkConfig holds CNI configuration.
type NetworkConfig struct {
	// NetworkMode is the network mode: "cni" or "none".
	NetworkMode string `toml:"network_mode"`

	// CNIPluginDir is the directory containing CNI plugins.
	CNIPluginDir string `toml:"cni_plugin_dir"`

	// CNIConfDir is the directory containing CNI configuration files.
	CNIConfDir string `toml:"cni_conf_dir"`

	// CNICacheDir is the directory for CNI state cache.
	CNICacheDir string `toml:"cni_cache_dir"`

	// NetnsDir is the directory network namespace files are placed in.
	NetnsDir string `toml:"netns_dir"`

	// DefaultNetworkName is the default CNI network to use.
	DefaultNetworkName string `toml:"default_network_name"`

	// DefaultSubnet is used if not specified in CNI config.
	DefaultSubnet string `toml:"default_subnet"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `toml:"level"`

	// Format is the log format: text, json.
	Format string `toml:"format"`

	// File is the optional log file path.
	File string `toml:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			RuntimeDir:        "/run/fc-resourced",
			FirecrackerBinary: "/usr/bin/firecracker",
			JailerBinary:      "/usr/bin/jailer",
			EnableJailer:      true,
			ShutdownTimeout:   30 * time.Second,
			AdminSocket:       "/run/fc-resourced/admin.sock",
		},
		VM: VMConfig{
			KernelPath:       "/var/lib/fc-resourced/vmlinux",
			KernelArgs:       "console=ttyS0 reboot=k panic=1 pci=off quiet",
			DefaultVcpuCount: 1,
			DefaultMemoryMB:  128,
			MinMemoryMB:      64,
			MaxMemoryMB:      8192,
			EnableSMT:        false,
			BaseRootfsPath:   "/var/lib/fc-resourced/rootfs/base.ext4",
			VsockEnabled:     true,
		},
		Resources: ResourcesConfig{
			ChrootBaseDir:           "/srv/jailer",
			OwnershipMode:           "upgraded",
			OwnerUID:                0,
			OwnerGID:                0,
			ShutdownGraceDeadline:   10 * time.Second,
			MaxConcurrentPlacements: 8,
		},
		Network: NetworkConfig{
			NetworkMode:        "cni",
			CNIPluginDir:       "/opt/cni/bin",
			CNIConfDir:         "/etc/cni/net.d",
			CNICacheDir:        "/var/lib/cni",
			NetnsDir:           "/var/run/netns",
			DefaultNetworkName: "fc-net",
			DefaultSubnet:      "10.88.0.0/16",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := parseTOML(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables are prefixed with FC_RES_ and use underscores.
// Example: FC_RES_VM_DEFAULT_MEMORY_MB=256
func LoadFromEnv(cfg *Config) {
	// Runtime
	loadEnvString(&cfg.Runtime.RuntimeDir, "FC_RES_RUNTIME_DIR")
	loadEnvString(&cfg.Runtime.FirecrackerBinary, "FC_RES_FIRECRACKER_BINARY")
	loadEnvString(&cfg.Runtime.JailerBinary, "FC_RES_JAILER_BINARY")
	loadEnvBool(&cfg.Runtime.EnableJailer, "FC_RES_ENABLE_JAILER")
	loadEnvDuration(&cfg.Runtime.ShutdownTimeout, "FC_RES_SHUTDOWN_TIMEOUT")
	loadEnvString(&cfg.Runtime.AdminSocket, "FC_RES_ADMIN_SOCKET")

	// VM
	loadEnvString(&cfg.VM.KernelPath, "FC_RES_VM_KERNEL_PATH")
	loadEnvString(&cfg.VM.KernelArgs, "FC_RES_VM_KERNEL_ARGS")
	loadEnvInt64(&cfg.VM.DefaultVcpuCount, "FC_RES_VM_DEFAULT_VCPU_COUNT")
	loadEnvInt64(&cfg.VM.DefaultMemoryMB, "FC_RES_VM_DEFAULT_MEMORY_MB")
	loadEnvInt64(&cfg.VM.MinMemoryMB, "FC_RES_VM_MIN_MEMORY_MB")
	loadEnvInt64(&cfg.VM.MaxMemoryMB, "FC_RES_VM_MAX_MEMORY_MB")
	loadEnvBool(&cfg.VM.EnableSMT, "FC_RES_VM_ENABLE_SMT")

	// Resources
	loadEnvString(&cfg.Resources.ChrootBaseDir, "FC_RES_CHROOT_BASE_DIR")
	loadEnvString(&cfg.Resources.OwnershipMode, "FC_RES_OWNERSHIP_MODE")
	loadEnvInt(&cfg.Resources.OwnerUID, "FC_RES_OWNER_UID")
	loadEnvInt(&cfg.Resources.OwnerGID, "FC_RES_OWNER_GID")
	loadEnvDuration(&cfg.Resources.ShutdownGraceDeadline, "FC_RES_SHUTDOWN_GRACE_DEADLINE")
	loadEnvInt(&cfg.Resources.MaxConcurrentPlacements, "FC_RES_MAX_CONCURRENT_PLACEMENTS")

	// Network
	loadEnvString(&cfg.Network.NetworkMode, "FC_RES_NETWORK_MODE")
	loadEnvString(&cfg.Network.CNIPluginDir, "FC_RES_CNI_PLUGIN_DIR")
	loadEnvString(&cfg.Network.CNIConfDir, "FC_RES_CNI_CONF_DIR")
	loadEnvString(&cfg.Network.DefaultSubnet, "FC_RES_DEFAULT_SUBNET")

	// Logging
	loadEnvString(&cfg.Log.Level, "FC_RES_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "FC_RES_LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Check required paths exist or can be created
	for _, dir := range []string{
		c.Runtime.RuntimeDir,
		c.Resources.ChrootBaseDir,
	} {
		if err := ensureDir(dir); err != nil {
			return fmt.Errorf("failed to ensure directory %s: %w", dir, err)
		}
	}

	// Validate binaries exist
	for _, bin := range []string{
		c.Runtime.FirecrackerBinary,
	} {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("binary not found: %s", bin)
		}
	}

	// Validate kernel exists
	if _, err := os.Stat(c.VM.KernelPath); err != nil {
		return fmt.Errorf("kernel not found: %s", c.VM.KernelPath)
	}

	// Validate memory limits
	if c.VM.MinMemoryMB > c.VM.MaxMemoryMB {
		return fmt.Errorf("min_memory_mb (%d) > max_memory_mb (%d)", c.VM.MinMemoryMB, c.VM.MaxMemoryMB)
	}
	if c.VM.DefaultMemoryMB < c.VM.MinMemoryMB || c.VM.DefaultMemoryMB > c.VM.MaxMemoryMB {
		return fmt.Errorf("default_memory_mb (%d) not in range [%d, %d]",
			c.VM.DefaultMemoryMB, c.VM.MinMemoryMB, c.VM.MaxMemoryMB)
	}

	// Validate ownership mode
	validOwnership := map[string]bool{"shared": true, "upgraded": true}
	if !validOwnership[c.Resources.OwnershipMode] {
		return fmt.Errorf("invalid ownership_mode: %s (must be 'shared' or 'upgraded')", c.Resources.OwnershipMode)
	}

	if c.Resources.ShutdownGraceDeadline <= 0 {
		return fmt.Errorf("shutdown_grace_deadline must be positive")
	}

	// Validate network mode
	validModes := map[string]bool{"cni": true, "none": true}
	if !validModes[c.Network.NetworkMode] {
		return fmt.Errorf("invalid network_mode: %s (must be 'cni' or 'none')", c.Network.NetworkMode)
	}

	// Validate log level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger applies logging configuration.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	// Set level
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	// Set format
	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set output file if specified
	if c.Log.File != "" {
		dir := filepath.Dir(c.Log.File)
		if err := os.MkdirAll(dir, 0755); err == nil {
			if f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				log.SetOutput(f)
			}
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func ensureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val == "true" || val == "1" || val == "yes"
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func loadEnvInt64(target *int64, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*target = i
		}
	}
}

func loadEnvDuration(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}

// parseTOML is a simple TOML parser for our specific config format.
// For production, use a proper TOML library like github.com/BurntSushi/toml
func parseTOML(data []byte, cfg *Config) error {
	lines := strings.Split(string(data), "\n")
	currentSection := ""

	for _, line := range lines {
		line = strings.TrimSpace(line)

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Section header
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = strings.Trim(line, "[]")
			continue
		}

		// Key-value pair
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes from string values
		value = strings.Trim(value, `"'`)

		// Apply value based on section and key
		applyConfigValue(cfg, currentSection, key, value)
	}

	return nil
}

func applyConfigValue(cfg *Config, section, key, value string) {
	switch section {
	case "runtime":
		switch key {
		case "runtime_dir":
			cfg.Runtime.RuntimeDir = value
		case "firecracker_binary":
			cfg.Runtime.FirecrackerBinary = value
		case "jailer_binary":
			cfg.Runtime.JailerBinary = value
		case "enable_jailer":
			cfg.Runtime.EnableJailer = value == "true"
		case "shutdown_timeout":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.Runtime.ShutdownTimeout = d
			}
		case "admin_socket":
			cfg.Runtime.AdminSocket = value
		}

	case "vm":
		switch key {
		case "kernel_path":
			cfg.VM.KernelPath = value
		case "kernel_args":
			cfg.VM.KernelArgs = value
		case "default_vcpu_count":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.VM.DefaultVcpuCount = i
			}
		case "default_memory_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.VM.DefaultMemoryMB = i
			}
		case "min_memory_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.VM.MinMemoryMB = i
			}
		case "max_memory_mb":
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.VM.MaxMemoryMB = i
			}
		case "enable_smt":
			cfg.VM.EnableSMT = value == "true"
		case "base_rootfs_path":
			cfg.VM.BaseRootfsPath = value
		case "vsock_enabled":
			cfg.VM.VsockEnabled = value == "true"
		}

	case "resources":
		switch key {
		case "chroot_base_dir":
			cfg.Resources.ChrootBaseDir = value
		case "ownership_mode":
			cfg.Resources.OwnershipMode = value
		case "owner_uid":
			if i, err := strconv.Atoi(value); err == nil {
				cfg.Resources.OwnerUID = i
			}
		case "owner_gid":
			if i, err := strconv.Atoi(value); err == nil {
				cfg.Resources.OwnerGID = i
			}
		case "shutdown_grace_deadline":
			if d, err := time.ParseDuration(value); err == nil {
				cfg.Resources.ShutdownGraceDeadline = d
			}
		case "max_concurrent_placements":
			if i, err := strconv.Atoi(value); err == nil {
				cfg.Resources.MaxConcurrentPlacements = i
			}
		}

	case "network":
		switch key {
		case "network_mode":
			cfg.Network.NetworkMode = value
		case "cni_plugin_dir":
			cfg.Network.CNIPluginDir = value
		case "cni_conf_dir":
			cfg.Network.CNIConfDir = value
		case "cni_cache_dir":
			cfg.Network.CNICacheDir = value
		case "netns_dir":
			cfg.Network.NetnsDir = value
		case "default_network_name":
			cfg.Network.DefaultNetworkName = value
		case "default_subnet":
			cfg.Network.DefaultSubnet = value
		}

	case "log":
		switch key {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		case "file":
			cfg.Log.File = value
		}
	}
}
