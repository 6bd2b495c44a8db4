package firecracker

import (
	"testing"
	"time"
)

func clearFCEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		envKernelPath, envRootfsDir, envBin, envCNIConfigDir,
		envCNIBinDir, envVsockPort, envMaxConcurrent, envBootTimeout,
	} {
		t.Setenv(env, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearFCEnv(t)

	cfg := LoadConfig()

	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want %d", cfg.VsockPort, DefaultVsockPort)
	}
	if cfg.CIDBase != MinCID {
		t.Errorf("CIDBase = %d, want %d", cfg.CIDBase, MinCID)
	}
	if cfg.DefaultVCPUs != DefaultVCPUs || cfg.DefaultMemMB != DefaultMemMB {
		t.Errorf("size defaults = %d vCPU / %d MiB", cfg.DefaultVCPUs, cfg.DefaultMemMB)
	}
	if cfg.MaxConcurrentVMs != MaxConcurrentVMs {
		t.Errorf("MaxConcurrentVMs = %d, want %d", cfg.MaxConcurrentVMs, MaxConcurrentVMs)
	}
	if cfg.BootTimeout != DefaultBootTimeout {
		t.Errorf("BootTimeout = %s, want %s", cfg.BootTimeout, DefaultBootTimeout)
	}
	if cfg.networkingConfigured() {
		t.Error("networking should be off without CNI dirs")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envKernelPath, "/opt/vmlinux")
	t.Setenv(envRootfsDir, "/opt/rootfs")
	t.Setenv(envBin, "/usr/bin/firecracker")
	t.Setenv(envCNIConfigDir, "/etc/cni/conf.d")
	t.Setenv(envCNIBinDir, "/opt/cni/bin")
	t.Setenv(envVsockPort, "2048")
	t.Setenv(envMaxConcurrent, "4")
	t.Setenv(envBootTimeout, "45s")

	cfg := LoadConfig()

	want := Config{
		KernelPath:       "/opt/vmlinux",
		RootfsDir:        "/opt/rootfs",
		FirecrackerBin:   "/usr/bin/firecracker",
		CNIConfigDir:     "/etc/cni/conf.d",
		CNIBinDir:        "/opt/cni/bin",
		VsockPort:        2048,
		CIDBase:          MinCID,
		DefaultVCPUs:     DefaultVCPUs,
		DefaultMemMB:     DefaultMemMB,
		MaxConcurrentVMs: 4,
		BootTimeout:      45 * time.Second,
	}
	if cfg != want {
		t.Errorf("LoadConfig() = %+v\nwant %+v", cfg, want)
	}
	if !cfg.networkingConfigured() {
		t.Error("networking should be on with both CNI dirs set")
	}
}

func TestLoadConfigInvalidValuesKeepDefaults(t *testing.T) {
	clearFCEnv(t)
	t.Setenv(envVsockPort, "not-a-port")
	t.Setenv(envMaxConcurrent, "-3")
	t.Setenv(envBootTimeout, "soon")

	cfg := LoadConfig()

	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want default %d", cfg.VsockPort, DefaultVsockPort)
	}
	if cfg.MaxConcurrentVMs != MaxConcurrentVMs {
		t.Errorf("MaxConcurrentVMs = %d, want default %d", cfg.MaxConcurrentVMs, MaxConcurrentVMs)
	}
	if cfg.BootTimeout != DefaultBootTimeout {
		t.Errorf("BootTimeout = %s, want default", cfg.BootTimeout)
	}
}
