package firecracker

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"

	"github.com/seantiz/sandboxd/internal/archive"
	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
)

// fakeMachine records lifecycle calls instead of running a VMM.
type fakeMachine struct {
	mu       sync.Mutex
	cfg      fcsdk.Config
	bin      string
	started  bool
	shutdown bool
	stopped  bool
	startErr error
}

func (m *fakeMachine) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *fakeMachine) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}

func (m *fakeMachine) StopVMM() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *fakeMachine) Wait(context.Context) error { return nil }

func (m *fakeMachine) halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown || m.stopped
}

// fakeGuest is an in-memory guest agent served on a unix socket.
type fakeGuest struct {
	t    *testing.T
	sock string
	mute atomic.Bool // accept connections but never answer

	mu    sync.Mutex
	files map[string][]byte
	execs [][]string
}

func newFakeGuest(t *testing.T) *fakeGuest {
	t.Helper()
	g := &fakeGuest{t: t, sock: filepath.Join(t.TempDir(), "guest.sock"), files: make(map[string][]byte)}
	l, err := net.Listen("unix", g.sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go g.handle(conn)
		}
	}()
	return g
}

func (g *fakeGuest) file(p string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.files[p]
	return data, ok
}

func (g *fakeGuest) ran(argv ...string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.ContainsFunc(g.execs, func(a []string) bool { return slices.Equal(a, argv) })
}

func (g *fakeGuest) dialer(string, uint32) Dialer {
	return func(ctx context.Context) (*GuestConn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", g.sock)
		if err != nil {
			return nil, err
		}
		return NewGuestConn(conn), nil
	}
}

func (g *fakeGuest) handle(conn net.Conn) {
	defer conn.Close()
	var req GuestRequest
	if err := ReadMessage(conn, &req); err != nil {
		return
	}
	if g.mute.Load() {
		conn.Read(make([]byte, 1))
		return
	}

	resp := g.answer(conn, req)
	WriteMessage(conn, &GuestMessage{Type: MsgTypeResult, Response: &resp})
}

func (g *fakeGuest) answer(conn net.Conn, req GuestRequest) GuestResponse {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch req.Op {
	case OpPing:
		return GuestResponse{}
	case OpExec:
		g.execs = append(g.execs, req.Argv)
		if len(req.Argv) == 3 && req.Argv[0] == "sh" {
			switch req.Argv[2] {
			case "echo hi":
				if req.Stream {
					WriteMessage(conn, &GuestMessage{Type: MsgTypeLog, Stream: "stdout", Line: "hi"})
				}
				return GuestResponse{Stdout: []byte("hi\n")}
			case "exit 7":
				return GuestResponse{ExitCode: 7}
			case "pwd":
				return GuestResponse{Stdout: []byte(req.Dir + "\n")}
			}
		}
		return GuestResponse{}
	case OpRead:
		data, ok := g.files[req.Path]
		if !ok {
			return GuestResponse{NotFound: true, Error: "no such file"}
		}
		if req.MaxSize > 0 && int64(len(data)) > req.MaxSize {
			return GuestResponse{TooLarge: true, Error: "file too large"}
		}
		tarball, _ := archive.PackFile(path.Base(req.Path), data, 0o644)
		return GuestResponse{Data: tarball}
	case OpWrite:
		_, data, err := archive.UnpackFile(bytes.NewReader(req.Data), MaxMessageSize)
		if err != nil {
			return GuestResponse{Error: err.Error()}
		}
		g.files[req.Path] = data
		return GuestResponse{}
	case OpRemove:
		delete(g.files, req.Path)
		return GuestResponse{}
	}
	return GuestResponse{Error: "unknown op " + req.Op}
}

type testPool struct {
	*Pool
	guest    *fakeGuest
	mu       sync.Mutex
	machines []*fakeMachine
}

func newTestPool(t *testing.T, cfg Config) *testPool {
	t.Helper()
	if cfg.RootfsDir == "" {
		cfg.RootfsDir = t.TempDir()
		if err := os.WriteFile(filepath.Join(cfg.RootfsDir, model.DefaultImage+".ext4"), []byte("rootfs"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = 2 * time.Second
	}
	cfg.DefaultVCPUs, cfg.DefaultMemMB = DefaultVCPUs, DefaultMemMB

	p, err := NewPool(cfg, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	tp := &testPool{Pool: p, guest: newFakeGuest(t)}
	p.dialer = tp.guest.dialer
	p.newMachine = func(_ context.Context, bin string, cfg fcsdk.Config) (machine, error) {
		m := &fakeMachine{cfg: cfg, bin: bin}
		tp.mu.Lock()
		tp.machines = append(tp.machines, m)
		tp.mu.Unlock()
		return m, nil
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return tp
}

func (tp *testPool) create(t *testing.T, cfg model.Config) *Backend {
	t.Helper()
	b, err := tp.Factory()(model.NewID(), cfg, backend.Deps{Capabilities: capability.DefaultRegistry()})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return b.(*Backend)
}

func (tp *testPool) start(t *testing.T, cfg model.Config) *Backend {
	t.Helper()
	b := tp.create(t, cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b
}

func TestStartReady(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: MaxConcurrentVMs, FirecrackerBin: "/opt/fc"})
	cfg := model.DefaultConfig()
	cfg.CPULimit = 1.5
	cfg.MemoryLimit = "256m"
	b := tp.start(t, cfg)

	if b.Status() != model.StatusReady {
		t.Fatalf("status = %s, want ready", b.Status())
	}
	if _, ok := b.Metadata("cid"); !ok {
		t.Error("cid metadata missing")
	}
	if !slices.Contains(b.Capabilities(), capability.NameShell) {
		t.Errorf("capabilities = %v", b.Capabilities())
	}
	if tp.Active() != 1 {
		t.Errorf("Active() = %d, want 1", tp.Active())
	}

	m := tp.machines[0]
	if m.bin != "/opt/fc" || !m.started {
		t.Errorf("machine bin = %q started = %v", m.bin, m.started)
	}
	if got := *m.cfg.MachineCfg.VcpuCount; got != 2 {
		t.Errorf("vcpus = %d, want 2", got)
	}
	if got := *m.cfg.MachineCfg.MemSizeMib; got != 256 {
		t.Errorf("mem = %d MiB, want 256", got)
	}
	if len(m.cfg.NetworkInterfaces) != 0 || m.cfg.NetNS != "" {
		t.Error("networking configured for a context without network")
	}
	if !tp.guest.ran("mkdir", "-p", cfg.WorkingDir) {
		t.Error("work dir not created in the guest")
	}
}

func TestExecuteCommand(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: MaxConcurrentVMs})
	b := tp.start(t, model.DefaultConfig())
	ctx := context.Background()

	var lines []string
	o, err := b.ExecuteCommand(ctx, "echo hi", backend.ExecOptions{
		OnLine: func(stream, line string) { lines = append(lines, stream+":"+line) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !o.OK() || o.ResultMap()["stdout"] != "hi\n" {
		t.Errorf("outcome = %+v", o)
	}
	if !slices.Equal(lines, []string{"stdout:hi"}) {
		t.Errorf("lines = %v", lines)
	}

	o, err = b.ExecuteCommand(ctx, "exit 7", backend.ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.ExecError || o.ResultMap()["return_code"] != 7 {
		t.Errorf("outcome = %+v", o)
	}

	o, _ = b.ExecuteCommand(ctx, "pwd", backend.ExecOptions{WorkingDir: "sub"})
	if o.ResultMap()["stdout"] != "/workspace/sub\n" {
		t.Errorf("relative working dir resolved to %q", o.ResultMap()["stdout"])
	}
}

func TestFileRoundTrip(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: MaxConcurrentVMs})
	b := tp.start(t, model.DefaultConfig())
	ctx := context.Background()

	o, err := b.WriteFile(ctx, "/tmp/a.txt", []byte("hello"), backend.FileOptions{CreateDirs: true})
	if err != nil || !o.OK() {
		t.Fatalf("WriteFile = %+v, %v", o, err)
	}

	o, err = b.ReadFile(ctx, "/tmp/a.txt", backend.FileOptions{})
	if err != nil || !o.OK() {
		t.Fatalf("ReadFile = %+v, %v", o, err)
	}
	if o.ResultMap()["content"] != "hello" {
		t.Errorf("content = %v", o.ResultMap()["content"])
	}

	o, _ = b.ReadFile(ctx, "missing.txt", backend.FileOptions{})
	if o.Status != model.ExecError || !strings.Contains(o.Error, "does not exist") {
		t.Errorf("missing file outcome = %+v", o)
	}
}

func TestGuestEnvironmentFileErrors(t *testing.T) {
	g := newFakeGuest(t)
	env := NewGuestEnvironment(g.dialer("", 0), "/workspace")
	ctx := context.Background()

	if err := env.WriteFile(ctx, "big.bin", make([]byte, 64), false); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, ok := g.file("/workspace/big.bin"); !ok {
		t.Error("relative path not resolved against work dir")
	}

	if _, err := env.ReadFile(ctx, "big.bin", 10); !errors.Is(err, capability.ErrFileTooLarge) {
		t.Errorf("ReadFile over limit = %v, want ErrFileTooLarge", err)
	}
	if _, err := env.ReadFile(ctx, "nope", 0); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFile missing = %v, want os.ErrNotExist", err)
	}
	if err := env.RemoveFile(ctx, "big.bin"); err != nil {
		t.Errorf("RemoveFile: %v", err)
	}
}

func TestStopAndCleanup(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: MaxConcurrentVMs})
	b := tp.start(t, model.DefaultConfig())
	vmDir, _ := b.Metadata("vm_dir")

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if b.Status() != model.StatusStopped || !tp.machines[0].halted() {
		t.Errorf("status = %s, halted = %v", b.Status(), tp.machines[0].halted())
	}

	b.Cleanup(context.Background())
	if b.Status() != model.StatusCleanup {
		t.Errorf("status = %s, want cleanup", b.Status())
	}
	if _, err := os.Stat(vmDir.(string)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("vm dir still present: %v", err)
	}
	if tp.Active() != 0 || len(tp.cidInUse) != 0 {
		t.Errorf("resources held after cleanup: active=%d cids=%v", tp.Active(), tp.cidInUse)
	}
}

func TestCleanupRetainsDir(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: MaxConcurrentVMs})
	cfg := model.DefaultConfig()
	cfg.RemoveOnExit = model.Bool(false)
	b := tp.start(t, cfg)
	vmDir, _ := b.Metadata("vm_dir")
	t.Cleanup(func() { os.RemoveAll(vmDir.(string)) })

	b.Cleanup(context.Background())
	if _, err := os.Stat(vmDir.(string)); err != nil {
		t.Errorf("retained vm dir missing: %v", err)
	}
	if len(tp.cidInUse) != 0 {
		t.Errorf("CID still held: %v", tp.cidInUse)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name    string
		pool    Config
		mutate  func(*model.Config)
		setup   func(*testPool)
		wantErr string
	}{
		{
			name:    "missing rootfs",
			mutate:  func(c *model.Config) { c.Image = "nope" },
			wantErr: "rootfs for image nope",
		},
		{
			name:    "network without CNI",
			mutate:  func(c *model.Config) { c.Network = model.NetworkPolicy{Enabled: true} },
			wantErr: "CNI is not configured",
		},
		{
			name:    "bad memory limit",
			mutate:  func(c *model.Config) { c.MemoryLimit = "lots" },
			wantErr: "memory_limit",
		},
		{
			name:    "guest never answers",
			pool:    Config{BootTimeout: 300 * time.Millisecond},
			setup:   func(tp *testPool) { tp.guest.mute.Store(true) },
			wantErr: "guest agent",
		},
		{
			name: "vmm fails to start",
			setup: func(tp *testPool) {
				tp.newMachine = func(context.Context, string, fcsdk.Config) (machine, error) {
					return &fakeMachine{startErr: errors.New("kvm unavailable")}, nil
				}
			},
			wantErr: "kvm unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pool.MaxConcurrentVMs = MaxConcurrentVMs
			tp := newTestPool(t, tt.pool)
			if tt.setup != nil {
				tt.setup(tp)
			}
			cfg := model.DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			b := tp.create(t, cfg)

			err := b.Start(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Start = %v, want error containing %q", err, tt.wantErr)
			}
			var be *backend.Error
			if !errors.As(err, &be) || be.Op != "start" {
				t.Errorf("error %T is not a start backend.Error", err)
			}
			if b.Status() != model.StatusError {
				t.Errorf("status = %s, want error", b.Status())
			}
			if len(tp.cidInUse) != 0 || tp.Active() != 0 {
				t.Errorf("resources leaked: cids=%v active=%d", tp.cidInUse, tp.Active())
			}
			for _, m := range tp.machines {
				if m.started && !m.halted() {
					t.Error("started machine not halted after failed start")
				}
			}
		})
	}
}

func TestStartAtCapacity(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: 1})
	tp.start(t, model.DefaultConfig())

	err := tp.create(t, model.DefaultConfig()).Start(context.Background())
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("Start = %v, want ErrNoCapacity", err)
	}
}

func TestExecuteCodeLanguages(t *testing.T) {
	tp := newTestPool(t, Config{MaxConcurrentVMs: MaxConcurrentVMs})
	b := tp.start(t, model.DefaultConfig())

	o, err := b.ExecuteCode(context.Background(), "1 + 2", backend.LanguageStarlark, backend.ExecOptions{})
	if err != nil || !o.OK() {
		t.Fatalf("starlark = %+v, %v", o, err)
	}

	_, err = b.ExecuteCode(context.Background(), "x", "cobol", backend.ExecOptions{})
	if !errors.Is(err, backend.ErrUnsupportedLanguage) {
		t.Errorf("cobol = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestMachineSize(t *testing.T) {
	pool := Config{DefaultVCPUs: 1, DefaultMemMB: 512}
	tests := []struct {
		cpu       float64
		mem       string
		wantVCPUs int64
		wantMemMB int64
	}{
		{0, "", 1, 512},
		{0.5, "1g", 1, 1024},
		{2, "768m", 2, 768},
		{2.2, "100k", 3, 1},
	}
	for _, tt := range tests {
		cfg := model.Config{CPULimit: tt.cpu, MemoryLimit: tt.mem}
		vcpus, mem, err := machineSize(cfg, pool)
		if err != nil {
			t.Fatalf("machineSize(%v, %q): %v", tt.cpu, tt.mem, err)
		}
		if vcpus != tt.wantVCPUs || mem != tt.wantMemMB {
			t.Errorf("machineSize(%v, %q) = %d, %d; want %d, %d", tt.cpu, tt.mem, vcpus, mem, tt.wantVCPUs, tt.wantMemMB)
		}
	}
}

func TestCIDAllocateAndRelease(t *testing.T) {
	p := &Pool{cfg: Config{MaxConcurrentVMs: 2}, cidNext: MinCID, cidInUse: make(map[uint32]bool)}

	cid1, err := p.allocateCID()
	if err != nil {
		t.Fatal(err)
	}
	cid2, err := p.allocateCID()
	if err != nil {
		t.Fatal(err)
	}
	if cid1 == cid2 || cid1 < MinCID {
		t.Errorf("cids = %d, %d", cid1, cid2)
	}
	if _, err := p.allocateCID(); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("third allocate = %v, want ErrNoCapacity", err)
	}

	p.releaseCID(cid1)
	if _, err := p.allocateCID(); err != nil {
		t.Errorf("allocate after release: %v", err)
	}
}

func TestCIDAllocateConcurrent(t *testing.T) {
	p := &Pool{cfg: Config{MaxConcurrentVMs: 50}, cidNext: MinCID, cidInUse: make(map[uint32]bool)}

	var mu sync.Mutex
	seen := make(map[uint32]bool)
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			cid, err := p.allocateCID()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[cid] {
				t.Errorf("CID %d allocated twice", cid)
			}
			seen[cid] = true
		})
	}
	wg.Wait()
}

func TestCopyRootfs(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "base.ext4")
	dst := filepath.Join(dir, "copy.ext4")
	if err := os.WriteFile(src, []byte("filesystem"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := copyRootfs(context.Background(), src, dst); err != nil {
		t.Fatalf("copyRootfs: %v", err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "filesystem" {
		t.Errorf("copy = %q", data)
	}

	if err := copyRootfs(context.Background(), filepath.Join(dir, "missing"), dst); err == nil {
		t.Error("copyRootfs of missing source should fail")
	}
}

func TestDefaultBootArgs(t *testing.T) {
	for _, arg := range []string{"console=ttyS0", "init=" + GuestAgentPath} {
		if !slices.Contains(strings.Fields(DefaultBootArgs), arg) {
			t.Errorf("DefaultBootArgs missing %q", arg)
		}
	}
}
