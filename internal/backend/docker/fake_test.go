package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/seantiz/sandboxd/internal/archive"
)

// execResult is what the fake daemon answers for one exec.
type execResult struct {
	stdout, stderr string
	code           int
}

type fakeExec struct {
	opts   container.ExecOptions
	result execResult
}

type fakeContainer struct {
	cfg     *container.Config
	host    *container.HostConfig
	running bool
	status  string
}

// fakeAPI is an in-memory Docker daemon.
type fakeAPI struct {
	mu         sync.Mutex
	images     map[string]bool
	pulls      []string
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec
	files      map[string][]byte
	stops      []int
	removed    []string
	nextID     int

	// exitOnStart makes started containers exit immediately.
	exitOnStart bool
	// stopErr is returned by ContainerStop.
	stopErr error
	// handler answers exec commands other than mkdir and rm.
	handler func(argv []string, env []string, dir string) execResult
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		images:     map[string]bool{},
		containers: map[string]*fakeContainer{},
		execs:      map[string]*fakeExec{},
		files:      map[string][]byte{},
	}
}

func (f *fakeAPI) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%04d", prefix, f.nextID)
}

func (f *fakeAPI) ImageInspectWithRaw(_ context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
	}
	return types.ImageInspect{ID: ref}, nil, nil
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeAPI) CreateContainer(_ context.Context, cfg *container.Config, host *container.HostConfig, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("c")
	f.containers[id] = &fakeContainer{cfg: cfg, host: host, status: "created"}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	if f.exitOnStart {
		c.status = "exited"
		return nil
	}
	c.running, c.status = true, "running"
	return nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{Running: c.running, Status: c.status, ExitCode: 1},
		},
	}, nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	if opts.Timeout != nil {
		f.stops = append(f.stops, *opts.Timeout)
	}
	c.running, c.status = false, "exited"
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; !ok || !c.running {
		return types.IDResponse{}, errors.New("container is not running")
	}
	execID := f.newID("e")
	f.execs[execID] = &fakeExec{opts: opts}
	return types.IDResponse{ID: execID}, nil
}

func (f *fakeAPI) ContainerExecAttach(_ context.Context, execID string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	ex, ok := f.execs[execID]
	f.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, errdefs.NotFound(errors.New("no such exec"))
	}

	ex.result = f.run(ex.opts)

	var muxed bytes.Buffer
	if ex.result.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&muxed, stdcopy.Stdout).Write([]byte(ex.result.stdout))
	}
	if ex.result.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&muxed, stdcopy.Stderr).Write([]byte(ex.result.stderr))
	}

	conn, peer := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, peer)
		peer.Close()
	}()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&muxed)}, nil
}

// run answers built-in file commands against the fake filesystem and
// delegates everything else to the handler.
func (f *fakeAPI) run(opts container.ExecOptions) execResult {
	argv := opts.Cmd
	switch argv[0] {
	case "mkdir":
		return execResult{}
	case "rm":
		f.mu.Lock()
		delete(f.files, argv[len(argv)-1])
		f.mu.Unlock()
		return execResult{}
	}
	if f.handler == nil {
		return execResult{code: 127, stderr: argv[0] + ": not found"}
	}
	return f.handler(argv, opts.Env, opts.WorkingDir)
}

func (f *fakeAPI) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, errdefs.NotFound(errors.New("no such exec"))
	}
	return container.ExecInspect{ExecID: execID, ExitCode: ex.result.code}, nil
}

func (f *fakeAPI) CopyToContainer(_ context.Context, _ string, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	name, data, err := archive.UnpackFile(content, 0)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path.Join(dst, name)] = data
	return nil
}

func (f *fakeAPI) CopyFromContainer(_ context.Context, _ string, src string) (io.ReadCloser, container.PathStat, error) {
	f.mu.Lock()
	data, ok := f.files[src]
	f.mu.Unlock()
	if !ok {
		return nil, container.PathStat{}, errdefs.NotFound(errors.New("no such file"))
	}
	tarball, err := archive.PackFile(path.Base(src), data, 0o644)
	if err != nil {
		return nil, container.PathStat{}, err
	}
	stat := container.PathStat{Name: path.Base(src), Size: int64(len(data)), Mode: 0o644}
	return io.NopCloser(bytes.NewReader(tarball)), stat, nil
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) file(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	return data, ok
}
