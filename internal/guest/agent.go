// Package guest implements the agent that runs as init inside a microVM.
// It serves one request per vsock connection: process execution with
// optional line streaming, and single-file reads and writes.
package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/seantiz/sandboxd/internal/archive"
	fc "github.com/seantiz/sandboxd/internal/backend/firecracker"
	"github.com/seantiz/sandboxd/internal/capability"
)

// maxFileTransfer caps file payloads. Data travels base64-encoded inside a
// single frame, so the raw limit sits well under fc.MaxMessageSize.
const maxFileTransfer = fc.MaxMessageSize / 2

// Agent accepts host connections and executes their requests.
type Agent struct {
	listener net.Listener
	env      *capability.HostEnvironment
	logger   *slog.Logger
}

// New creates an agent serving listener with relative paths resolved
// against workDir.
func New(listener net.Listener, workDir string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		listener: listener,
		env:      &capability.HostEnvironment{Dir: workDir},
		logger:   logger,
	}
}

// Serve handles connections until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// session is one request's connection. Log and result frames may come
// from the two output streams concurrently.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *session) send(msg *fc.GuestMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fc.WriteMessage(s.conn, msg)
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()
	s := &session{conn: conn}

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.reply(s, fc.GuestResponse{ExitCode: -1, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	start := time.Now()
	var resp fc.GuestResponse
	switch req.Op {
	case fc.OpPing:
	case fc.OpExec:
		resp = a.exec(s, &req)
	case fc.OpRead:
		resp = a.read(&req)
	case fc.OpWrite:
		resp = a.write(&req)
	case fc.OpRemove:
		resp = a.remove(&req)
	default:
		resp = fc.GuestResponse{ExitCode: -1, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
	if req.Op != fc.OpPing {
		a.logger.Debug("request handled", "op", req.Op, "path", req.Path, "duration_ms", time.Since(start).Milliseconds())
	}
	a.reply(s, resp)
}

func (a *Agent) reply(s *session, resp fc.GuestResponse) {
	if err := s.send(&fc.GuestMessage{Type: fc.MsgTypeResult, Response: &resp}); err != nil {
		a.logger.Warn("write result", "error", err)
	}
}

// exec runs the request's argv. The process is killed when the host closes
// the connection or TimeoutS elapses.
func (a *Agent) exec(s *session, req *fc.GuestRequest) fc.GuestResponse {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if req.TimeoutS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second)
		defer cancel()
	}

	// The host sends nothing after the request, so a finished read means
	// it went away.
	go func() {
		io.Copy(io.Discard, s.conn)
		cancel()
	}()

	spec := capability.RunSpec{
		Argv:  req.Argv,
		Env:   req.Env,
		Dir:   req.Dir,
		Stdin: req.Stdin,
	}
	if req.Stream {
		spec.OnLine = func(stream, line string) {
			if err := s.send(&fc.GuestMessage{Type: fc.MsgTypeLog, Stream: stream, Line: line}); err != nil {
				cancel()
			}
		}
	}

	res, err := a.env.Run(ctx, spec)
	resp := fc.GuestResponse{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		resp.ExitCode = -1
		resp.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Error = fmt.Sprintf("timeout after %ds", req.TimeoutS)
		}
	}
	return resp
}

func (a *Agent) read(req *fc.GuestRequest) fc.GuestResponse {
	limit := int64(maxFileTransfer)
	if req.MaxSize > 0 {
		limit = min(limit, req.MaxSize)
	}
	path := capability.Resolve(req.Path, a.env.WorkDir())

	data, err := a.env.ReadFile(context.Background(), path, limit)
	if err != nil {
		return fileResponse(err)
	}
	tarball, err := archive.PackFile(path, data, 0)
	if err != nil {
		return fc.GuestResponse{Error: err.Error()}
	}
	return fc.GuestResponse{Data: tarball}
}

func (a *Agent) write(req *fc.GuestRequest) fc.GuestResponse {
	_, data, err := archive.UnpackFile(bytes.NewReader(req.Data), maxFileTransfer)
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			return fc.GuestResponse{TooLarge: true, Error: err.Error()}
		}
		return fc.GuestResponse{Error: fmt.Sprintf("unpack: %v", err)}
	}
	path := capability.Resolve(req.Path, a.env.WorkDir())
	if err := a.env.WriteFile(context.Background(), path, data, req.CreateDirs); err != nil {
		return fileResponse(err)
	}
	return fc.GuestResponse{}
}

func (a *Agent) remove(req *fc.GuestRequest) fc.GuestResponse {
	path := capability.Resolve(req.Path, a.env.WorkDir())
	if err := a.env.RemoveFile(context.Background(), path); err != nil {
		return fileResponse(err)
	}
	return fc.GuestResponse{}
}

// fileResponse flags the errors the host maps back to typed failures.
func fileResponse(err error) fc.GuestResponse {
	resp := fc.GuestResponse{Error: err.Error()}
	switch {
	case errors.Is(err, os.ErrNotExist):
		resp.NotFound = true
	case errors.Is(err, capability.ErrFileTooLarge):
		resp.TooLarge = true
	}
	return resp
}
