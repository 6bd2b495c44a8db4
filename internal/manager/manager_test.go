package manager

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/backend/local"
	"github.com/seantiz/sandboxd/internal/capability"
	"github.com/seantiz/sandboxd/internal/model"
	"github.com/seantiz/sandboxd/internal/store"
)

const fakeType = "fake"

// fakeBackend is a controllable backend with no resource behind it.
type fakeBackend struct {
	*backend.Sandbox
	startErr error
	stopErr  error
	cleanups *atomic.Int32
}

func (f *fakeBackend) Start(context.Context) error {
	if f.startErr != nil {
		f.Fail(f.startErr)
		return &backend.Error{Op: "start", ContextID: f.ID(), Err: f.startErr}
	}
	return f.SetStatus(model.StatusReady)
}

func (f *fakeBackend) Stop(context.Context) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	switch f.Status() {
	case model.StatusStopped, model.StatusError, model.StatusCleanup:
		return nil
	}
	return f.SetStatus(model.StatusStopped)
}

func (f *fakeBackend) Cleanup(context.Context) {
	f.cleanups.Add(1)
	_ = f.SetStatus(model.StatusCleanup)
}

func (f *fakeBackend) ExecuteCode(_ context.Context, code, _ string, _ backend.ExecOptions) (model.Outcome, error) {
	return model.Succeeded(map[string]any{"output": code}, time.Now()), nil
}

type fixture struct {
	*Manager
	history  *store.SQLiteStore
	cleanups atomic.Int32

	mu       sync.Mutex
	startErr error
	stopErr  error
	created  []*fakeBackend
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	hist, err := store.NewSQLiteStore(store.MemoryDSN)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	f := &fixture{history: hist}
	reg := backend.NewRegistry()
	reg.Register(model.BackendLocal, local.New)
	reg.Register(fakeType, func(id string, cfg model.Config, deps backend.Deps) (backend.Backend, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		b := &fakeBackend{
			Sandbox:  backend.NewSandbox(id, fakeType, cfg, deps.Logger),
			startErr: f.startErr,
			stopErr:  f.stopErr,
			cleanups: &f.cleanups,
		}
		f.created = append(f.created, b)
		return b, nil
	})

	if opts.DefaultType == "" {
		opts.DefaultType = fakeType
	}
	opts.History = hist
	f.Manager = New(reg, backend.Deps{}, opts, nil)
	t.Cleanup(func() { f.Stop(context.Background()) })
	return f
}

func (f *fixture) create(t *testing.T, typ string) backend.Backend {
	t.Helper()
	b, err := f.CreateContext(context.Background(), typ, model.DefaultConfig(), "")
	if err != nil {
		t.Fatalf("CreateContext(%s): %v", typ, err)
	}
	return b
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCreateContext(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.create(t, "")

	if b.Type() != fakeType {
		t.Errorf("Type() = %q, want default type", b.Type())
	}
	if b.Status().Terminal() {
		t.Errorf("status after create = %s", b.Status())
	}
	info, err := f.GetInfo(b.ID())
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != b.ID() || info.Config.Image != model.DefaultImage {
		t.Errorf("info = %+v", info)
	}
	if _, ok := model.ParseStatus(string(info.Status)); !ok {
		t.Errorf("unknown status %q", info.Status)
	}
}

func TestCreateContextFillsDefaults(t *testing.T) {
	base := model.DefaultConfig()
	base.Image = "alpine:3.20"
	base.Env = map[string]string{"A": "1"}
	f := newFixture(t, Options{DefaultConfig: base})

	b, err := f.CreateContext(context.Background(), "", model.Config{Env: map[string]string{"B": "2"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	cfg := b.Info().Config
	if cfg.Image != "alpine:3.20" || cfg.Env["A"] != "1" || cfg.Env["B"] != "2" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestCreateContextDuplicateID(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.CreateContext(context.Background(), "", model.Config{}, "fixed"); err != nil {
		t.Fatal(err)
	}
	_, err := f.CreateContext(context.Background(), "", model.Config{}, "fixed")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateContextFailures(t *testing.T) {
	tests := []struct {
		name        string
		typ         string
		cfg         model.Config
		startErr    error
		wantCleanup int32
		check       func(t *testing.T, err error)
	}{
		{
			name: "unknown type",
			typ:  "hyperv",
			check: func(t *testing.T, err error) {
				var ce *CreateError
				if !errors.As(err, &ce) || !errors.Is(err, backend.ErrUnknownType) {
					t.Errorf("err = %v, want CreateError wrapping ErrUnknownType", err)
				}
			},
		},
		{
			name:        "start fails",
			typ:         fakeType,
			startErr:    errors.New("image pull denied"),
			wantCleanup: 1,
			check: func(t *testing.T, err error) {
				var ce *CreateError
				if !errors.As(err, &ce) || !strings.Contains(err.Error(), "image pull denied") {
					t.Errorf("err = %v, want CreateError with cause", err)
				}
			},
		},
		{
			name: "invalid config",
			typ:  fakeType,
			cfg:  model.Config{CPULimit: -1},
			check: func(t *testing.T, err error) {
				var ve *capability.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("err = %v, want ValidationError", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.startErr = tt.startErr

			b, err := f.CreateContext(context.Background(), tt.typ, tt.cfg, "")
			if err == nil || b != nil {
				t.Fatalf("CreateContext = %v, %v; want failure", b, err)
			}
			tt.check(t, err)
			if got := f.cleanups.Load(); got != tt.wantCleanup {
				t.Errorf("cleanups = %d, want %d", got, tt.wantCleanup)
			}
			if n := len(f.List("")); n != 0 {
				t.Errorf("%d contexts tracked after failed create", n)
			}
		})
	}
}

func TestConcurrentCreateDistinctIDs(t *testing.T) {
	f := newFixture(t, Options{})
	const n = 20

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			b, err := f.CreateContext(context.Background(), "", model.Config{}, "")
			if err != nil {
				t.Error(err)
				return
			}
			ids <- b.ID()
		})
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("id %s issued twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n || f.Stats().Total != n {
		t.Errorf("created %d, tracked %d; want %d", len(seen), f.Stats().Total, n)
	}
}

func TestConcurrentCreateSameID(t *testing.T) {
	f := newFixture(t, Options{})

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_, err := f.CreateContext(context.Background(), "", model.Config{}, "shared")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyExists):
				dup.Add(1)
			default:
				t.Error(err)
			}
		})
	}
	wg.Wait()
	if ok.Load() != 1 || dup.Load() != 9 {
		t.Errorf("ok = %d dup = %d, want 1 and 9", ok.Load(), dup.Load())
	}
}

func TestDeleteContext(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.create(t, "")
	lines, unsub, err := f.SubscribeOutput(b.ID())
	if err != nil {
		t.Fatalf("SubscribeOutput: %v", err)
	}
	defer unsub()

	if !f.DeleteContext(context.Background(), b.ID()) {
		t.Fatal("DeleteContext = false for a live context")
	}
	if _, err := f.GetContext(b.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetContext after delete = %v, want ErrNotFound", err)
	}
	if b.Status() != model.StatusCleanup || f.cleanups.Load() != 1 {
		t.Errorf("status = %s cleanups = %d", b.Status(), f.cleanups.Load())
	}
	if _, open := <-lines; open {
		t.Error("output subscription still open after delete")
	}

	if f.DeleteContext(context.Background(), b.ID()) {
		t.Error("second DeleteContext = true")
	}
	if f.DeleteContext(context.Background(), "unknown") {
		t.Error("DeleteContext(unknown) = true")
	}
}

func TestSubscribeOutputRequiresLiveContext(t *testing.T) {
	f := newFixture(t, Options{})
	if _, _, err := f.SubscribeOutput("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SubscribeOutput(unknown) = %v, want ErrNotFound", err)
	}

	b := f.create(t, "")
	f.DeleteContext(context.Background(), b.ID())
	if _, _, err := f.SubscribeOutput(b.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("SubscribeOutput(deleted) = %v, want ErrNotFound", err)
	}
}

func TestDeletedContextsLeaveNoOutputTopics(t *testing.T) {
	f := newFixture(t, Options{})
	for range 100 {
		b := f.create(t, "")
		if _, _, err := f.SubscribeOutput(b.ID()); err != nil {
			t.Fatal(err)
		}
		f.Broker().Publish(b.ID(), OutputLine{Stream: "stdout", Line: "x"})
		f.DeleteContext(context.Background(), b.ID())
	}
	for range 100 {
		b := f.create(t, "")
		f.DeleteContext(context.Background(), b.ID())
	}
	if n := f.Broker().Topics(); n != 0 {
		t.Errorf("broker tracks %d topics after every context was deleted", n)
	}
}

func TestDeleteContextStopFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.stopErr = errors.New("daemon unreachable")
	b := f.create(t, "")

	if f.DeleteContext(context.Background(), b.ID()) {
		t.Error("DeleteContext = true despite stop failure")
	}
	if f.cleanups.Load() != 1 {
		t.Error("cleanup skipped after stop failure")
	}
	if _, err := f.GetContext(b.ID()); !errors.Is(err, ErrNotFound) {
		t.Error("context still tracked after failed delete")
	}
}

func TestStopContext(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.create(t, "")

	for range 2 {
		if !f.StopContext(context.Background(), b.ID()) {
			t.Fatal("StopContext = false")
		}
	}
	if b.Status() != model.StatusStopped {
		t.Errorf("status = %s", b.Status())
	}
	if f.StopContext(context.Background(), "unknown") {
		t.Error("StopContext(unknown) = true")
	}
}

func TestListFilterAndOrder(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.create(t, "")
	time.Sleep(2 * time.Millisecond)
	second := f.create(t, "")
	f.StopContext(context.Background(), second.ID())

	all := f.List("")
	if len(all) != 2 || all[0].ID != first.ID() || all[1].ID != second.ID() {
		t.Errorf("List() order = %v", all)
	}
	stopped := f.List(model.StatusStopped)
	if len(stopped) != 1 || stopped[0].ID != second.ID() {
		t.Errorf("List(stopped) = %v", stopped)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, Options{})
	f.create(t, "")
	b := f.create(t, "")
	f.StopContext(context.Background(), b.ID())

	stats := f.Stats()
	if stats.Total != 2 || stats.ByType[fakeType] != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByStatus[model.StatusReady] != 1 || stats.ByStatus[model.StatusStopped] != 1 {
		t.Errorf("by status = %v", stats.ByStatus)
	}
}

func TestOperationsOnUnknownContext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	ops := map[string]func() error{
		"code": func() error {
			_, err := f.ExecuteCode(ctx, "nope", "1", "", backend.ExecOptions{})
			return err
		},
		"command": func() error {
			_, err := f.ExecuteCommand(ctx, "nope", "true", backend.ExecOptions{})
			return err
		},
		"read": func() error {
			_, err := f.ReadFile(ctx, "nope", "a", backend.FileOptions{})
			return err
		},
		"write": func() error {
			_, err := f.WriteFile(ctx, "nope", "a", nil, backend.FileOptions{})
			return err
		},
		"capability": func() error {
			_, err := f.ExecuteCapability(ctx, "nope", capability.NameShell, nil)
			return err
		},
		"list capabilities": func() error {
			_, err := f.ListCapabilities("nope")
			return err
		},
		"info": func() error {
			_, err := f.GetInfo("nope")
			return err
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s on unknown context = %v, want ErrNotFound", name, err)
		}
	}
}

func TestExecuteCodeLocal(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.create(t, model.BackendLocal)

	o, err := f.ExecuteCode(context.Background(), b.ID(), "print(2+2)", backend.LanguagePython, backend.ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !o.OK() || !strings.Contains(o.ResultMap()["output"].(string), "4") {
		t.Errorf("outcome = %+v", o)
	}

	o, err = f.ExecuteCode(context.Background(), b.ID(), "def broken(:", "", backend.ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.ExecError || o.Error == "" {
		t.Errorf("invalid code outcome = %+v", o)
	}
}

func TestExecuteCommandPublishesAndRecords(t *testing.T) {
	requireSh(t)
	f := newFixture(t, Options{})
	b := f.create(t, model.BackendLocal)
	lines, unsub := f.Broker().Subscribe(b.ID())
	defer unsub()

	var direct []string
	o, err := f.ExecuteCommand(context.Background(), b.ID(), "echo one; echo two", backend.ExecOptions{
		OnLine: func(_, line string) { direct = append(direct, line) },
	})
	if err != nil || !o.OK() {
		t.Fatalf("ExecuteCommand = %+v, %v", o, err)
	}
	if strings.Join(direct, ",") != "one,two" {
		t.Errorf("caller lines = %v", direct)
	}
	for _, want := range []string{"one", "two"} {
		select {
		case got := <-lines:
			if got.Line != want || got.Stream != capability.StreamStdout {
				t.Errorf("broker line = %+v, want stdout %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("broker line %q not published", want)
		}
	}

	o, err = f.ExecuteCommand(context.Background(), b.ID(), "exit 7", backend.ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.ExecError || o.ResultMap()["return_code"] != 7 {
		t.Errorf("exit 7 outcome = %+v", o)
	}

	execs, total, err := f.history.ListExecutions(context.Background(), b.ID(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || execs[0].Status != model.ExecError || execs[1].Kind != model.KindCommand {
		t.Errorf("history = %d records: %+v", total, execs)
	}
}

func TestConcurrentCommandsDoNotMix(t *testing.T) {
	requireSh(t)
	f := newFixture(t, Options{})
	a := f.create(t, model.BackendLocal)
	b := f.create(t, model.BackendLocal)

	var wg sync.WaitGroup
	for _, id := range []string{a.ID(), b.ID()} {
		wg.Go(func() {
			o, err := f.ExecuteCommand(context.Background(), id, "for i in 1 2 3; do echo "+id+"; done", backend.ExecOptions{})
			if err != nil {
				t.Error(err)
				return
			}
			if got := o.ResultMap()["stdout"].(string); got != strings.Repeat(id+"\n", 3) {
				t.Errorf("context %s stdout = %q", id, got)
			}
		})
	}
	wg.Wait()
}

func TestFileRoundTripLocal(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.create(t, model.BackendLocal)
	ctx := context.Background()

	o, err := f.WriteFile(ctx, b.ID(), "a.txt", []byte("hello"), backend.FileOptions{CreateDirs: true})
	if err != nil || !o.OK() {
		t.Fatalf("WriteFile = %+v, %v", o, err)
	}
	o, err = f.ReadFile(ctx, b.ID(), "a.txt", backend.FileOptions{})
	if err != nil || !o.OK() {
		t.Fatalf("ReadFile = %+v, %v", o, err)
	}
	if o.ResultMap()["content"] != "hello" || o.ResultMap()["size"] != 5 {
		t.Errorf("result = %v", o.ResultMap())
	}

	o, err = f.ExecuteCapability(ctx, b.ID(), capability.NameFileReader, map[string]any{"path": "a.txt", "binary": true})
	if err != nil || !o.OK() {
		t.Fatalf("file_reader = %+v, %v", o, err)
	}
	if o.ResultMap()["content"] != "aGVsbG8=" {
		t.Errorf("binary content = %v", o.ResultMap()["content"])
	}

	caps, err := f.ListCapabilities(b.ID())
	if err != nil || len(caps) == 0 {
		t.Errorf("ListCapabilities = %v, %v", caps, err)
	}
}

func TestPurgeHistoryOnDelete(t *testing.T) {
	f := newFixture(t, Options{PurgeHistory: true})
	b := f.create(t, "")
	if _, err := f.ExecuteCode(context.Background(), b.ID(), "x", "", backend.ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	f.DeleteContext(context.Background(), b.ID())

	_, total, err := f.history.ListExecutions(context.Background(), b.ID(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("history kept %d records after purge", total)
	}
}

func TestReclaim(t *testing.T) {
	f := newFixture(t, Options{ErrorGrace: time.Hour, MaxAge: 24 * time.Hour})
	ready := f.create(t, "")
	stopped := f.create(t, "")
	f.StopContext(context.Background(), stopped.ID())
	failed := f.create(t, "")
	failed.(*fakeBackend).Fail(errors.New("container died"))

	if n := f.Reclaim(context.Background()); n != 0 {
		t.Fatalf("fresh pass reclaimed %d", n)
	}

	f.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := f.Reclaim(context.Background()); n != 2 {
		t.Errorf("grace pass reclaimed %d, want 2", n)
	}
	if _, err := f.GetContext(ready.ID()); err != nil {
		t.Error("ready context reclaimed before max age")
	}
	for _, b := range []backend.Backend{stopped, failed} {
		if _, err := f.GetContext(b.ID()); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s context %s not reclaimed", b.Status(), b.ID())
		}
	}

	f.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if n := f.Reclaim(context.Background()); n != 1 {
		t.Errorf("max age pass reclaimed %d, want 1", n)
	}
	if f.Stats().Total != 0 {
		t.Errorf("%d contexts left", f.Stats().Total)
	}
}

func TestReclaimContinuesPastFailures(t *testing.T) {
	f := newFixture(t, Options{MaxAge: time.Hour})

	f.mu.Lock()
	f.stopErr = errors.New("daemon unreachable")
	f.mu.Unlock()
	broken := f.create(t, "")

	f.mu.Lock()
	f.stopErr = nil
	f.mu.Unlock()
	var healthy []backend.Backend
	for range 3 {
		healthy = append(healthy, f.create(t, ""))
	}

	f.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := f.Reclaim(context.Background()); n != 4 {
		t.Errorf("Reclaim = %d, want 4", n)
	}
	for _, b := range append(healthy, broken) {
		if _, err := f.GetContext(b.ID()); !errors.Is(err, ErrNotFound) {
			t.Errorf("context %s still tracked after reclamation", b.ID())
		}
	}
	if got := f.cleanups.Load(); got != 4 {
		t.Errorf("cleanups = %d, want 4", got)
	}
}

func TestReclaimLoopRuns(t *testing.T) {
	f := newFixture(t, Options{CleanupInterval: 10 * time.Millisecond, ErrorGrace: time.Nanosecond})
	b := f.create(t, "")
	f.StopContext(context.Background(), b.ID())

	f.Start()
	f.Start()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := f.GetContext(b.ID()); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stopped context not reclaimed by the background loop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopDeletesAll(t *testing.T) {
	f := newFixture(t, Options{ShutdownConcurrency: 2})
	f.Start()
	for range 5 {
		f.create(t, "")
	}

	if err := f.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.Stats().Total != 0 || f.cleanups.Load() != 5 {
		t.Errorf("after Stop: tracked %d, cleanups %d", f.Stats().Total, f.cleanups.Load())
	}
	if err := f.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStopReportsFailedTeardown(t *testing.T) {
	f := newFixture(t, Options{})
	f.stopErr = errors.New("stuck")
	b := f.create(t, "")

	err := f.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), b.ID()) {
		t.Errorf("Stop = %v, want error naming %s", err, b.ID())
	}
}

func TestWithContext(t *testing.T) {
	f := newFixture(t, Options{})

	var id string
	err := WithContext(context.Background(), f.Manager, "", model.Config{}, func(b backend.Backend) error {
		id = b.ID()
		if _, err := f.GetContext(id); err != nil {
			return err
		}
		return fmt.Errorf("work failed")
	})
	if err == nil || err.Error() != "work failed" {
		t.Errorf("WithContext = %v, want fn error", err)
	}
	if _, err := f.GetContext(id); !errors.Is(err, ErrNotFound) {
		t.Error("context not deleted after fn returned")
	}
}
