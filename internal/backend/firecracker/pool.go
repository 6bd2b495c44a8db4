package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/model"
)

// ErrNoCapacity is returned by Start when every microVM slot is taken.
var ErrNoCapacity = errors.New("no microVM capacity")

// machine is the part of *fcsdk.Machine the backend drives.
type machine interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	StopVMM() error
	Wait(ctx context.Context) error
}

// Pool holds the host resources microVM contexts share: the vsock CID
// space and the CNI network manager. One Pool serves every context the
// factory creates.
type Pool struct {
	cfg    Config
	netMgr *NetworkManager // nil when CNI is not configured
	logger *slog.Logger

	newMachine func(ctx context.Context, bin string, cfg fcsdk.Config) (machine, error)
	dialer     func(udsPath string, port uint32) Dialer

	mu       sync.Mutex
	contexts map[string]*Backend

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// NewPool creates the shared state for the Firecracker backend. Networking
// is only available when both CNI directories are configured.
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CIDBase < MinCID {
		cfg.CIDBase = MinCID
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}

	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		newMachine: sdkMachine,
		dialer:     UDSDialer,
		contexts:   make(map[string]*Backend),
		cidNext:    cfg.CIDBase,
		cidInUse:   make(map[uint32]bool),
	}

	if cfg.networkingConfigured() {
		netMgr, err := NewNetworkManager(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create network manager: %w", err)
		}
		p.netMgr = netMgr
	}
	return p, nil
}

// sdkMachine builds a Firecracker machine running bin. SDK logging is
// discarded; the backend logs through slog.
func sdkMachine(ctx context.Context, bin string, cfg fcsdk.Config) (machine, error) {
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(bin).
		WithSocketPath(cfg.SocketPath).
		Build(ctx)

	return fcsdk.NewMachine(ctx, cfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
}

// Factory returns the backend.Factory creating microVM contexts.
func (p *Pool) Factory() backend.Factory {
	return func(id string, cfg model.Config, deps backend.Deps) (backend.Backend, error) {
		return &Backend{
			Sandbox: backend.NewSandbox(id, model.BackendFirecracker, cfg, deps.Logger),
			pool:    p,
			caps:    deps.Capabilities,
		}, nil
	}
}

// Verify checks that CNI plugins are available when networking is configured.
func (p *Pool) Verify() error {
	if p.netMgr == nil {
		return nil
	}
	return p.netMgr.Verify()
}

// Active returns the number of contexts holding a microVM.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

func (p *Pool) track(b *Backend) {
	p.mu.Lock()
	p.contexts[b.ID()] = b
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.contexts, id)
	p.mu.Unlock()
}

// Shutdown cleans up every context still holding a microVM and tears down
// any remaining networks.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	live := slices.Collect(maps.Values(p.contexts))
	p.mu.Unlock()

	for _, b := range live {
		b.Cleanup(ctx)
	}
	if p.netMgr != nil {
		p.netMgr.TeardownAll(ctx)
	}
}

// allocateCID returns the next available vsock CID.
func (p *Pool) allocateCID() (uint32, error) {
	p.cidMu.Lock()
	defer p.cidMu.Unlock()

	if p.cfg.MaxConcurrentVMs > 0 && len(p.cidInUse) >= p.cfg.MaxConcurrentVMs {
		return 0, fmt.Errorf("%w: %d microVMs running", ErrNoCapacity, len(p.cidInUse))
	}

	scanRange := uint32(p.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(p.cidNext+i, MinCID)
		if !p.cidInUse[candidate] {
			p.cidInUse[candidate] = true
			p.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d CIDs in use", ErrNoCapacity, len(p.cidInUse))
}

// releaseCID returns a CID to the pool.
func (p *Pool) releaseCID(cid uint32) {
	p.cidMu.Lock()
	defer p.cidMu.Unlock()
	delete(p.cidInUse, cid)
}
