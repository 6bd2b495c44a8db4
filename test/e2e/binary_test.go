package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/seantiz/sandboxd/internal/client"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running sandboxd subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
	done   chan struct{}
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping binary build in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "sandboxd-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "sandboxd")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/sandboxd")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs sandboxd with the local backend and a database at dbPath.
func startServer(t *testing.T, binary, dbPath string, extraEnv ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"SANDBOXD_LISTEN_ADDR="+addr,
		"SANDBOXD_DB_PATH="+dbPath,
		"SANDBOXD_LOG_LEVEL=info",
		"SANDBOXD_BACKENDS=local",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
		done:   make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(sp.done)
	}()

	t.Cleanup(func() {
		cmd.Process.Kill()
		<-sp.done
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// terminate sends SIGTERM and waits for a graceful exit.
func (sp *serverProc) terminate(t *testing.T) {
	t.Helper()
	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal server: %v", err)
	}
	select {
	case <-sp.done:
	case <-time.After(startupTimeout):
		t.Fatalf("server did not exit after SIGTERM\nstdout:\n%s", sp.stdout.String())
	}
}

func TestBinaryHealth(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "test.db"))

	h, err := client.New(sp.url, nil).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Healthy || h.ActiveContexts != 0 {
		t.Errorf("health = %+v", h)
	}
	if h.SystemInfo.CPUCount == 0 {
		t.Error("system info missing cpu count")
	}
}

func TestBinaryMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "test.db"))

	// Generate at least one labelled request first.
	resp, err := http.Get(sp.url + "/v1/contexts")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"sandboxd_http_requests_total",
		"sandboxd_http_request_duration_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestBinaryStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t), filepath.Join(t.TempDir(), "test.db"))

	resp, err := http.Get(sp.url + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	found := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] != "request" {
			continue
		}
		found = true
		for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
			if _, ok := entry[key]; !ok {
				t.Errorf("request log missing field %q", key)
			}
		}
	}
	if !found {
		t.Errorf("no structured request log found\noutput:\n%s", sp.stdout.String())
	}
}

// History is kept in the database file, so it outlives both the context and
// the server process.
func TestBinaryHistorySurvivesRestart(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	binary := getBinary(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	sp := startServer(t, binary, dbPath)
	c := client.New(sp.url, nil)
	info, err := c.CreateContext(ctx, client.CreateRequest{ID: "persist"})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if _, err := c.ExecuteCommand(ctx, info.ID, client.CommandRequest{Command: "echo saved"}); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	sp.terminate(t)

	if !strings.Contains(sp.stdout.String(), "sandboxd: stopped") {
		t.Errorf("graceful shutdown not logged\noutput:\n%s", sp.stdout.String())
	}

	sp = startServer(t, binary, dbPath)
	c = client.New(sp.url, nil)
	if _, err := c.GetContext(ctx, "persist"); !client.IsNotFound(err) {
		t.Errorf("context survived restart: %v", err)
	}
	page, err := c.Executions(ctx, "persist", 0, 0)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if page.Total != 1 || page.Executions[0].Kind != "command" {
		t.Errorf("history after restart = %+v", page)
	}
}

func TestBinaryRejectsUnavailableDefaultBackend(t *testing.T) {
	binary := getBinary(t)

	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"SANDBOXD_LISTEN_ADDR=127.0.0.1:0",
		"SANDBOXD_BACKENDS=bogus",
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("server started with an unknown default backend\noutput:\n%s", out)
	}
	if !strings.Contains(string(out), "unknown backend type") {
		t.Errorf("output = %s, want an unknown backend error", out)
	}
}
