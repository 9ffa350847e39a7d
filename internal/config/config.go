package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/btcdash/microvm/pkg/network"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath    string `mapstructure:"sqlite-path"`
	FSMDBPath     string `mapstructure:"fsm-db-path"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`
	LockPath      string `mapstructure:"lock-path"`
	LogLevel      string `mapstructure:"log-level"`

	// Kernel
	KernelPath    string        `mapstructure:"kernel-path"`
	KernelURL     string        `mapstructure:"kernel-url"`
	KernelTimeout time.Duration `mapstructure:"kernel-timeout"`
	S3Region      string        `mapstructure:"s3-region"`

	// Root filesystem
	RootfsPath     string `mapstructure:"rootfs-path"`
	RootfsSizeMB   int    `mapstructure:"rootfs-size-mb"`
	WorkspaceRoot  string `mapstructure:"workspace-root"`
	WorkloadBinary string `mapstructure:"workload-binary"`
	AssetDir       string `mapstructure:"asset-dir"`
	BaseImage      string `mapstructure:"base-image"`
	BaseTarball    string `mapstructure:"base-tarball"`

	// Security limits for base tarball extraction
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Network link
	TapDevice     string `mapstructure:"tap-device"`
	HostAddress   string `mapstructure:"host-address"`
	GuestAddress  string `mapstructure:"guest-address"`
	PrefixLen     int    `mapstructure:"prefix-len"`
	ExternalIface string `mapstructure:"external-iface"`
	GuestMAC      string `mapstructure:"guest-mac"`

	// Hypervisor
	FirecrackerBin string        `mapstructure:"firecracker-bin"`
	VMConfigPath   string        `mapstructure:"vm-config-path"`
	ControlSocket  string        `mapstructure:"control-socket"`
	VCPUs          int           `mapstructure:"vcpus"`
	MemoryMiB      int           `mapstructure:"memory-mib"`
	BootArgs       string        `mapstructure:"boot-args"`
	LaunchTimeout  time.Duration `mapstructure:"launch-timeout"`
	StopTimeout    time.Duration `mapstructure:"stop-timeout"`
	HealthPort     int           `mapstructure:"health-port"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("sqlite-path", SQLitePath)
	viper.SetDefault("fsm-db-path", FSMDBPath)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("lock-path", LockPath)
	viper.SetDefault("log-level", "info")

	viper.SetDefault("kernel-path", KernelPath)
	viper.SetDefault("kernel-url", DefaultKernelURL)
	viper.SetDefault("kernel-timeout", 5*time.Minute)
	viper.SetDefault("s3-region", "us-east-1")

	viper.SetDefault("rootfs-path", RootfsPath)
	viper.SetDefault("rootfs-size-mb", 256)
	viper.SetDefault("workspace-root", WorkspaceRoot)
	viper.SetDefault("workload-binary", "target/x86_64-unknown-linux-musl/release/dash-server")
	viper.SetDefault("asset-dir", "dist")
	viper.SetDefault("base-image", "alpine:3.19")
	viper.SetDefault("base-tarball", "")

	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("max-total-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)

	viper.SetDefault("tap-device", network.DefaultDevice)
	viper.SetDefault("host-address", network.DefaultHostAddress)
	viper.SetDefault("guest-address", network.DefaultGuestAddress)
	viper.SetDefault("prefix-len", network.DefaultPrefixLen)
	viper.SetDefault("external-iface", "")
	viper.SetDefault("guest-mac", "AA:FC:00:00:00:01")

	viper.SetDefault("firecracker-bin", "firecracker")
	viper.SetDefault("vm-config-path", VMConfigPath)
	viper.SetDefault("control-socket", ControlSocketPath)
	viper.SetDefault("vcpus", 2)
	viper.SetDefault("memory-mib", 512)
	viper.SetDefault("boot-args", "console=ttyS0 reboot=k panic=1 pci=off init="+GuestInitPath)
	viper.SetDefault("launch-timeout", 30*time.Second)
	viper.SetDefault("stop-timeout", 10*time.Second)
	viper.SetDefault("health-port", 3001)

	// Environment variables (will be MICROVM_KERNEL_URL, etc.)
	viper.SetEnvPrefix("MICROVM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.microvm")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.KernelPath == "" || c.RootfsPath == "" {
		return fmt.Errorf("kernel-path and rootfs-path cannot be empty")
	}
	if c.KernelURL == "" {
		return fmt.Errorf("kernel-url cannot be empty")
	}
	if c.KernelTimeout <= 0 {
		return fmt.Errorf("kernel-timeout must be positive")
	}
	if c.RootfsSizeMB <= 0 {
		return fmt.Errorf("rootfs-size-mb must be positive")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace-root cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.TapDevice == "" || len(c.TapDevice) > 15 {
		return fmt.Errorf("tap-device must be 1-15 characters")
	}
	if net.ParseIP(c.HostAddress).To4() == nil {
		return fmt.Errorf("host-address %q is not an IPv4 address", c.HostAddress)
	}
	if net.ParseIP(c.GuestAddress).To4() == nil {
		return fmt.Errorf("guest-address %q is not an IPv4 address", c.GuestAddress)
	}
	if c.PrefixLen < 1 || c.PrefixLen > 30 {
		return fmt.Errorf("prefix-len must be between 1 and 30")
	}
	if _, err := net.ParseMAC(c.GuestMAC); err != nil {
		return fmt.Errorf("guest-mac: %w", err)
	}
	if c.VCPUs <= 0 || c.MemoryMiB <= 0 {
		return fmt.Errorf("vcpus and memory-mib must be positive")
	}
	if c.LaunchTimeout <= 0 || c.StopTimeout <= 0 {
		return fmt.Errorf("launch-timeout and stop-timeout must be positive")
	}
	return nil
}

// SlogLevel maps log-level to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
