package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seantiz/sandboxd/internal/api"
	"github.com/seantiz/sandboxd/internal/backend"
	"github.com/seantiz/sandboxd/internal/backend/local"
	"github.com/seantiz/sandboxd/internal/manager"
	"github.com/seantiz/sandboxd/internal/model"
	"github.com/seantiz/sandboxd/internal/store"
)

func startServer(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	hist, err := store.NewSQLiteStore(store.MemoryDSN)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	reg.Register(model.BackendLocal, local.New)
	m := manager.New(reg, backend.Deps{}, manager.Options{DefaultType: model.BackendLocal, History: hist}, logger)
	t.Cleanup(func() { m.Stop(context.Background()) })

	ts := httptest.NewServer(api.NewServer(":0", m, api.Options{Version: "cli-test"}, logger).Router())
	t.Cleanup(ts.Close)
	return ts.URL
}

// run executes sandboxctl with args and returns stdout, stderr and the error.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCreateGetDelete(t *testing.T) {
	url := startServer(t)

	out, _, err := run(t, "", "--server", url, "create", "--id", "cli-1", "--env", "A=1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "Created local context cli-1") {
		t.Errorf("create output = %q", out)
	}

	out, _, err = run(t, "", "--server", url, "-o", "json", "get", "cli-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var info model.ContextInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode get output: %v\n%s", err, out)
	}
	if info.ID != "cli-1" || info.Config.Env["A"] != "1" {
		t.Errorf("info = %+v", info)
	}
	if !info.Config.RemovesOnExit() {
		t.Error("context created without --keep retains its resources")
	}

	out, _, err = run(t, "", "--server", url, "list")
	if err != nil || !strings.Contains(out, "cli-1") {
		t.Errorf("list = %q, %v", out, err)
	}

	out, _, err = run(t, "", "--server", url, "delete", "cli-1")
	if err != nil || !strings.Contains(out, "Deleted cli-1") {
		t.Errorf("delete = %q, %v", out, err)
	}

	_, stderr, err := run(t, "", "--server", url, "get", "cli-1")
	if err == nil {
		t.Fatal("get after delete succeeded")
	}
	if !strings.Contains(stderr, "status 404") {
		t.Errorf("stderr = %q, want a 404 report", stderr)
	}
}

func TestCreateKeep(t *testing.T) {
	url := startServer(t)

	out, _, err := run(t, "", "--server", url, "-o", "json", "create", "--keep")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var info model.ContextInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatal(err)
	}
	if info.Config.RemovesOnExit() {
		t.Error("remove_on_exit = true with --keep")
	}
	if workDir, _ := info.Metadata["work_dir"].(string); workDir != "" {
		t.Cleanup(func() { os.RemoveAll(filepath.Dir(workDir)) })
	}
}

func TestCreateFromConfigFile(t *testing.T) {
	url := startServer(t)
	path := filepath.Join(t.TempDir(), "ctx.yaml")
	data := "working_dir: /tmp\ntimeout: 45s\nenv_vars:\n  FROM_FILE: \"yes\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "", "--server", url, "-o", "json", "create", "-f", path, "--timeout", "10s")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var info model.ContextInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatal(err)
	}
	if info.Config.Env["FROM_FILE"] != "yes" {
		t.Errorf("env = %v", info.Config.Env)
	}
	if info.Config.Timeout.Seconds() != 10 {
		t.Errorf("timeout = %v, want the flag to win", info.Config.Timeout)
	}
}

func TestExecCommands(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	url := startServer(t)
	if _, _, err := run(t, "", "--server", url, "create", "--id", "x"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		stdin   string
		args    []string
		want    string
		wantErr bool
	}{
		{"code argument", "", []string{"exec-code", "x", "print(6*7)"}, "42", false},
		{"code from stdin", "print('piped')", []string{"exec-code", "x"}, "piped", false},
		{"command", "", []string{"exec", "x", "--", "echo", "hello"}, "hello", false},
		{"failing command", "", []string{"exec", "x", "--", "echo oops; exit 3"}, "oops", true},
		{"write text", "", []string{"write", "x", "note.txt", "--content", "saved text"}, "Wrote 10 bytes", false},
		{"read text", "", []string{"read", "x", "note.txt"}, "saved text", false},
		{"tool", "", []string{"tool", "x", "starlark_executor", "--param", "code=print('tool')"}, "tool", false},
		{"tool missing param", "", []string{"tool", "x", "shell_executor"}, "", true},
		{"tools in context", "", []string{"tools", "x"}, "shell_executor", false},
		{"history", "", []string{"executions", "x"}, "Showing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--server", url}, tt.args...)
			out, stderr, err := run(t, tt.stdin, args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v (stderr %q)", err, tt.wantErr, stderr)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("stdout = %q, want it to contain %q", out, tt.want)
			}
		})
	}
}

func TestReadToLocalFile(t *testing.T) {
	url := startServer(t)
	if _, _, err := run(t, "", "--server", url, "create", "--id", "f"); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	payload := []byte{0, 1, 2, 3, 0xff}
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := run(t, "", "--server", url, "write", "f", "data.bin", "--from", src); err != nil {
		t.Fatalf("write: %v", err)
	}

	dest := filepath.Join(dir, "dest.bin")
	if _, _, err := run(t, "", "--server", url, "read", "f", "data.bin", "-O", dest); err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("downloaded %v, want %v", got, payload)
	}
}

func TestServerCommands(t *testing.T) {
	url := startServer(t)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"health"}, "cli-test"},
		{[]string{"stats"}, "Contexts"},
		{[]string{"backends"}, "local (default)"},
		{[]string{"tools"}, "shell_executor"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			out, _, err := run(t, "", append([]string{"--server", url}, tt.args...)...)
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("stdout = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestServerFromEnvAndConfig(t *testing.T) {
	url := startServer(t)

	t.Run("env", func(t *testing.T) {
		t.Setenv("SANDBOXCTL_SERVER", url)
		if _, _, err := run(t, "", "backends"); err != nil {
			t.Errorf("backends via env: %v", err)
		}
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sandboxctl.yaml")
		if err := os.WriteFile(path, []byte("server: "+url+"\noutput: json\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		out, _, err := run(t, "", "--config", path, "backends")
		if err != nil {
			t.Fatalf("backends via config: %v", err)
		}
		if !strings.Contains(out, `"default": "local"`) {
			t.Errorf("stdout = %q, want JSON output from config", out)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		if _, _, err := run(t, "", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "backends"); err == nil {
			t.Error("missing --config file accepted")
		}
	})
}

func TestParseParam(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"5", float64(5)},
		{"true", true},
		{"hello world", "hello world"},
		{`"quoted"`, "quoted"},
	}
	for _, tt := range tests {
		if got := parseParam(tt.raw); got != tt.want {
			t.Errorf("parseParam(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}
