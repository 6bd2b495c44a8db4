package firecracker

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "SANDBOXD_FC_KERNEL_PATH"
	envRootfsDir     = "SANDBOXD_FC_ROOTFS_DIR"
	envBin           = "SANDBOXD_FC_BIN"
	envCNIConfigDir  = "SANDBOXD_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "SANDBOXD_FC_CNI_BIN_DIR"
	envVsockPort     = "SANDBOXD_FC_VSOCK_PORT"
	envMaxConcurrent = "SANDBOXD_FC_MAX_CONCURRENT_VMS"
	envBootTimeout   = "SANDBOXD_FC_BOOT_TIMEOUT"
)

// Config holds configuration for the Firecracker microVM backend.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir holds one <image>.ext4 rootfs per context image.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is searched for named networks and receives the default
	// conflist.
	CNIConfigDir string

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the first vsock context ID handed out.
	CIDBase uint32

	DefaultVCPUs int
	DefaultMemMB int

	// MaxConcurrentVMs caps the number of running microVMs.
	MaxConcurrentVMs int

	// BootTimeout bounds how long Start polls the guest agent.
	BootTimeout time.Duration
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		DefaultVCPUs:     DefaultVCPUs,
		DefaultMemMB:     DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
		BootTimeout:      DefaultBootTimeout,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}
	if v := os.Getenv(envBootTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BootTimeout = d
		}
	}

	return cfg
}

// networkingConfigured reports whether CNI directories are set.
func (c Config) networkingConfigured() bool {
	return c.CNIBinDir != "" && c.CNIConfigDir != ""
}
