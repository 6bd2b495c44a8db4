package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Guest operations. Each connection carries exactly one request.
const (
	OpPing   = "ping"
	OpExec   = "exec"
	OpRead   = "read"
	OpWrite  = "write"
	OpRemove = "remove"
)

// GuestRequest is the JSON payload sent from host to guest over vsock.
type GuestRequest struct {
	Op string `json:"op"`

	// exec
	Argv     []string          `json:"argv,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Stdin    []byte            `json:"stdin,omitempty"`
	TimeoutS int               `json:"timeout_s,omitempty"`
	Stream   bool              `json:"stream,omitempty"`

	// read, write, remove. Data is a single-file tar archive.
	Path       string `json:"path,omitempty"`
	Data       []byte `json:"data,omitempty"`
	MaxSize    int64  `json:"max_size,omitempty"`
	CreateDirs bool   `json:"create_dirs,omitempty"`
}

// GuestResponse is the JSON payload sent from guest to host over vsock.
type GuestResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`

	// NotFound and TooLarge classify file operation errors.
	NotFound bool `json:"not_found,omitempty"`
	TooLarge bool `json:"too_large,omitempty"`
}

// Guest→host message types for vsock streaming.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// GuestMessage is the envelope for all guest→host messages over vsock.
// During exec with Stream set the guest sends output lines with
// Type="log". Every request ends with one Type="result" message.
type GuestMessage struct {
	Type     string         `json:"type"`
	Stream   string         `json:"stream,omitempty"`
	Line     string         `json:"line,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
