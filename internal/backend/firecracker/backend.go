// Package firecracker implements a backend that runs each context in its
// own Firecracker microVM. The host talks to a guest agent over vsock using
// length-prefixed JSON frames; files travel as single-file tar archives.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

const (
	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	defaultBin = "firecracker"

	vsockDeviceID     = "vsock0"
	rootfsDriveID     = "rootfs"
	vmSocketName      = "firecracker.sock"
	vsockSocketName   = "vsock.sock"
	rootfsCopyName    = "rootfs.ext4"
	readyPollInterval = 200 * time.Millisecond

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second
)

// vmState tracks the resources one context's microVM holds.
type vmState struct {
	machine   machine
	cid       uint32
	netConfig *NetworkConfig
	vmDir     string // sockets and rootfs copy
	started   bool   // machine.Start succeeded (guards activeVMs gauge)
	halted    bool
}

// Backend is a microVM-backed context.
type Backend struct {
	*backend.Sandbox
	pool *Pool
	caps *capability.Registry

	mu sync.Mutex
	vm *vmState
}

var _ backend.Backend = (*Backend)(nil)

// Start boots the context's microVM and waits for the guest agent.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.start(ctx); err != nil {
		b.Fail(err)
		b.release(true)
		return &backend.Error{Op: "start", ContextID: b.ID(), Err: err}
	}
	return nil
}

func (b *Backend) start(ctx context.Context) error {
	p := b.pool
	cfg := b.Config()
	id := b.ID()

	rootfsPath, err := RootfsPath(p.cfg.RootfsDir, cfg.Image)
	if err != nil {
		return fmt.Errorf("select rootfs: %w", err)
	}
	if _, err := os.Stat(rootfsPath); err != nil {
		return fmt.Errorf("rootfs for image %s: %w", cfg.Image, err)
	}

	vcpus, memMB, err := machineSize(cfg, p.cfg)
	if err != nil {
		return err
	}

	cid, err := p.allocateCID()
	if err != nil {
		return err
	}
	state := &vmState{cid: cid}
	b.mu.Lock()
	b.vm = state
	b.mu.Unlock()
	p.track(b)

	if cfg.Network.Enabled {
		if p.netMgr == nil {
			return errors.New("network requested but CNI is not configured")
		}
		state.netConfig, err = p.netMgr.Setup(ctx, id, cfg.Network.Name)
		if err != nil {
			return fmt.Errorf("network setup: %w", err)
		}
		b.SetMetadata("guest_ip", state.netConfig.GuestIP)
	}

	state.vmDir, err = os.MkdirTemp("", "sandbox-vm-"+id+"-")
	if err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}
	vmRootfs := filepath.Join(state.vmDir, rootfsCopyName)
	if err := copyRootfs(ctx, rootfsPath, vmRootfs); err != nil {
		return fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(state.vmDir, vmSocketName)
	vsockPath := filepath.Join(state.vmDir, vsockSocketName)
	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: p.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: vsockPath, CID: cid},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		VMID: id,
	}
	if nc := state.netConfig; nc != nil {
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  nc.MACAddress,
					HostDevName: nc.TAPDevice,
				},
			},
		}
		fcCfg.NetNS = nc.NamespacePath
	}

	bin := p.cfg.FirecrackerBin
	if bin == "" {
		bin = defaultBin
	}
	// The VMM outlives Start.
	m, err := p.newMachine(context.WithoutCancel(ctx), bin, fcCfg)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	state.machine = m

	bootStart := time.Now()
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start VM: %w", err)
	}
	state.started = true
	activeVMs.Inc()
	b.SetMetadata("cid", cid)
	b.SetMetadata("vm_dir", state.vmDir)

	env := &guestEnv{dial: p.dialer(vsockPath, p.cfg.VsockPort), workDir: cfg.WorkingDir}
	err = backend.WaitReady(ctx, readyPollInterval, p.cfg.BootTimeout, func(ctx context.Context) (bool, error) {
		err := env.Ping(ctx)
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("guest agent: %w", err)
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())

	if err := b.prepareWorkDir(ctx, env); err != nil {
		return err
	}

	b.SetEnvironment(env)
	b.InitCapabilities(b.caps)
	if err := b.SetStatus(model.StatusReady); err != nil {
		return err
	}
	b.Logger().Info("microVM ready",
		"cid", cid,
		"vcpus", vcpus,
		"mem_mb", memMB,
		"image", cfg.Image,
		"boot_ms", time.Since(bootStart).Milliseconds(),
	)
	return nil
}

func (b *Backend) prepareWorkDir(ctx context.Context, env *guestEnv) error {
	res, err := env.Run(ctx, capability.RunSpec{Argv: []string{"mkdir", "-p", env.WorkDir()}, Dir: "/"})
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create work dir: %s", strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// machineSize maps the context limits onto whole vCPUs and MiB of memory,
// falling back to the pool defaults.
func machineSize(cfg model.Config, fc Config) (vcpus, memMB int64, err error) {
	vcpus = int64(fc.DefaultVCPUs)
	if cfg.CPULimit > 0 {
		vcpus = int64(math.Ceil(cfg.CPULimit))
	}
	memMB = int64(fc.DefaultMemMB)
	if cfg.MemoryLimit != "" {
		n, err := units.RAMInBytes(cfg.MemoryLimit)
		if err != nil {
			return 0, 0, fmt.Errorf("memory_limit %q: %w", cfg.MemoryLimit, err)
		}
		memMB = max(n/units.MiB, 1)
	}
	return max(vcpus, 1), memMB, nil
}

// Stop shuts the microVM down. Its disk stays until Cleanup.
func (b *Backend) Stop(_ context.Context) error {
	switch b.Status() {
	case model.StatusStopped, model.StatusError, model.StatusCleanup:
		return nil
	}
	b.mu.Lock()
	state := b.vm
	b.mu.Unlock()
	if state != nil {
		b.halt(state)
	}
	return b.SetStatus(model.StatusStopped)
}

// Cleanup stops the microVM if needed and releases its CID, network and,
// when RemoveOnExit is set, its directory.
func (b *Backend) Cleanup(_ context.Context) {
	if err := b.SetStatus(model.StatusCleanup); err != nil {
		b.Logger().Debug("cleanup status unchanged", "status", b.Status())
	}
	b.release(b.Config().RemovesOnExit())
}

// halt stops the VMM, preferring a guest shutdown over killing it.
func (b *Backend) halt(state *vmState) {
	b.mu.Lock()
	if state.halted || state.machine == nil {
		b.mu.Unlock()
		return
	}
	state.halted = true
	b.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := state.machine.Shutdown(shutdownCtx); err != nil {
		b.Logger().Debug("graceful shutdown failed, forcing stop", "error", err)
		if stopErr := state.machine.StopVMM(); stopErr != nil {
			b.Logger().Debug("StopVMM failed", "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := state.machine.Wait(waitCtx); err != nil {
		b.Logger().Debug("wait for VM exit", "error", err)
	}
	if state.started {
		activeVMs.Dec()
	}
}

// release frees everything the microVM holds, on its own deadlines.
func (b *Backend) release(removeDir bool) {
	b.mu.Lock()
	state := b.vm
	b.vm = nil
	b.mu.Unlock()
	if state == nil {
		return
	}

	start := time.Now()
	b.halt(state)
	b.pool.releaseCID(state.cid)

	if state.netConfig != nil && b.pool.netMgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := b.pool.netMgr.Teardown(ctx, b.ID()); err != nil {
			b.Logger().Warn("network teardown failed", "error", err)
		}
		cancel()
	}

	if state.vmDir != "" {
		if removeDir {
			if err := os.RemoveAll(state.vmDir); err != nil {
				b.Logger().Error("remove vm dir", "vm_dir", state.vmDir, "error", err)
			}
		} else {
			b.Logger().Info("retaining vm dir", "vm_dir", state.vmDir)
		}
	}

	b.pool.untrack(b.ID())
	vmCleanupDuration.Observe(time.Since(start).Seconds())
}

// ExecuteCode runs Python through the delegated driver inside the guest and
// Starlark in process.
func (b *Backend) ExecuteCode(ctx context.Context, code, language string, opts backend.ExecOptions) (model.Outcome, error) {
	switch strings.ToLower(language) {
	case "", backend.LanguagePython:
		return b.RunCode(ctx, capability.NamePython, code, opts)
	case backend.LanguageStarlark:
		return b.RunCode(ctx, capability.NameStarlark, code, opts)
	}
	return model.Outcome{}, &backend.Error{Op: "execute_code", ContextID: b.ID(), Err: fmt.Errorf("%w: %q", backend.ErrUnsupportedLanguage, language)}
}

// copyRootfs copies the image for one VM, sharing extents when the
// filesystem supports reflinks.
func copyRootfs(ctx context.Context, src, dst string) error {
	out, err := exec.CommandContext(ctx, "cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, strings.TrimSpace(string(out)), err)
	}
	return nil
}
