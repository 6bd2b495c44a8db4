package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/seantiz/sandboxd/internal/model"
)

// FileOptions configures the file reader and writer.
type FileOptions struct {
	MaxFileSize       int64    `mapstructure:"max_file_size"`
	AllowedPaths      []string `mapstructure:"allowed_paths"`
	BlockedPaths      []string `mapstructure:"blocked_paths"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

func (o FileOptions) policy() PathPolicy {
	return PathPolicy{Allowed: o.AllowedPaths, Blocked: o.BlockedPaths}
}

func decodeFileOptions(cfg model.CapabilityConfig) (FileOptions, error) {
	var opts FileOptions
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return FileOptions{}, err
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.BlockedPaths == nil {
		opts.BlockedPaths = slices.Clone(DefaultBlockedPaths)
	}
	for i, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		opts.AllowedExtensions[i] = ext
	}
	return opts, nil
}

// ReadRequest is a typed file read request.
type ReadRequest struct {
	Path     string
	Encoding string
	Binary   bool
}

// WriteRequest is a typed file write request. Content holds raw bytes for
// binary writes and UTF-8 text otherwise.
type WriteRequest struct {
	Path       string
	Content    []byte
	Encoding   string
	Binary     bool
	CreateDirs bool
}

// FileReader reads files from an environment under the path policy.
type FileReader struct {
	base
	opts FileOptions
}

var readerSchema = Schema{
	{Name: "path", Type: TypeString, Required: true, Description: "File path"},
	{Name: "encoding", Type: TypeString, Default: DefaultEncoding, Description: "Text encoding"},
	{Name: "binary", Type: TypeBoolean, Default: false, Description: "Return base64 content instead of text"},
}

// NewFileReader builds a file reader from cfg.
func NewFileReader(cfg model.CapabilityConfig) (Capability, error) {
	opts, err := decodeFileOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &FileReader{base: newBase(NameFileReader, cfg, readerSchema), opts: opts}, nil
}

// Validate checks params against the schema.
func (r *FileReader) Validate(params map[string]any) error {
	if err := r.schema.Validate(params); err != nil {
		return err
	}
	return validateEncoding(stringParam(params, "encoding", DefaultEncoding))
}

// Execute reads the file named by params.
func (r *FileReader) Execute(ctx context.Context, env Environment, params map[string]any) model.Outcome {
	if err := r.Validate(params); err != nil {
		return r.tagged(model.Failed(fmt.Sprintf("File read failed: %v", err), nil, time.Now()))
	}
	return r.Read(ctx, env, ReadRequest{
		Path:     stringParam(params, "path", ""),
		Encoding: stringParam(params, "encoding", DefaultEncoding),
		Binary:   boolParam(params, "binary", false),
	})
}

// Read performs a typed read. Result is {content, path, size, binary,
// encoding}; binary content is base64 text.
func (r *FileReader) Read(ctx context.Context, env Environment, req ReadRequest) model.Outcome {
	start := time.Now()
	fail := func(err error) model.Outcome {
		return r.tagged(model.Failed(fmt.Sprintf("File read failed: %v", err), nil, start))
	}

	if strings.TrimSpace(req.Path) == "" {
		return fail(&ValidationError{Field: "path", Message: "cannot be empty"})
	}
	if req.Encoding == "" {
		req.Encoding = DefaultEncoding
	}

	path, err := r.opts.policy().Check(req.Path, env.WorkDir())
	if err != nil {
		return fail(err)
	}

	data, err := env.ReadFile(ctx, path, r.opts.MaxFileSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail(fmt.Errorf("file %q does not exist", path))
		}
		return fail(err)
	}

	result := map[string]any{
		"path":   path,
		"size":   len(data),
		"binary": req.Binary,
	}
	if req.Binary {
		result["content"] = base64.StdEncoding.EncodeToString(data)
		result["encoding"] = nil
		return r.tagged(model.Succeeded(result, start))
	}

	text, err := DecodeText(data, req.Encoding)
	if err != nil {
		return fail(err)
	}
	result["content"] = text
	result["encoding"] = req.Encoding
	return r.tagged(model.Succeeded(result, start))
}

// FileWriter writes files into an environment under the path policy.
type FileWriter struct {
	base
	opts FileOptions
}

var writerSchema = Schema{
	{Name: "path", Type: TypeString, Required: true, Description: "File path"},
	{Name: "content", Type: TypeString, Required: false, Description: "Text, or base64 when binary"},
	{Name: "encoding", Type: TypeString, Default: DefaultEncoding, Description: "Text encoding"},
	{Name: "binary", Type: TypeBoolean, Default: false, Description: "Content is base64-encoded bytes"},
	{Name: "create_dirs", Type: TypeBoolean, Default: true, Description: "Create missing parent directories"},
}

// NewFileWriter builds a file writer from cfg.
func NewFileWriter(cfg model.CapabilityConfig) (Capability, error) {
	opts, err := decodeFileOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &FileWriter{base: newBase(NameFileWriter, cfg, writerSchema), opts: opts}, nil
}

// Validate checks params against the schema. Content must be present,
// although it may be empty.
func (w *FileWriter) Validate(params map[string]any) error {
	if err := w.schema.Validate(params); err != nil {
		return err
	}
	if _, ok := params["content"].(string); !ok {
		return &ValidationError{Field: "content", Message: "is required"}
	}
	return validateEncoding(stringParam(params, "encoding", DefaultEncoding))
}

// Execute writes the file described by params.
func (w *FileWriter) Execute(ctx context.Context, env Environment, params map[string]any) model.Outcome {
	start := time.Now()
	if err := w.Validate(params); err != nil {
		return w.tagged(model.Failed(fmt.Sprintf("File write failed: %v", err), nil, start))
	}

	binary := boolParam(params, "binary", false)
	content := stringParam(params, "content", "")
	data := []byte(content)
	if binary {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return w.tagged(model.Failed(fmt.Sprintf("File write failed: binary content is not valid base64: %v", err), nil, start))
		}
		data = decoded
	}

	return w.Write(ctx, env, WriteRequest{
		Path:       stringParam(params, "path", ""),
		Content:    data,
		Encoding:   stringParam(params, "encoding", DefaultEncoding),
		Binary:     binary,
		CreateDirs: boolParam(params, "create_dirs", true),
	})
}

// Write performs a typed write. Result is {path, size, binary, encoding}
// where size is the number of bytes stored.
func (w *FileWriter) Write(ctx context.Context, env Environment, req WriteRequest) model.Outcome {
	start := time.Now()
	fail := func(err error) model.Outcome {
		return w.tagged(model.Failed(fmt.Sprintf("File write failed: %v", err), nil, start))
	}

	if strings.TrimSpace(req.Path) == "" {
		return fail(&ValidationError{Field: "path", Message: "cannot be empty"})
	}
	if req.Encoding == "" {
		req.Encoding = DefaultEncoding
	}

	path, err := w.opts.policy().Check(req.Path, env.WorkDir())
	if err != nil {
		return fail(err)
	}

	if w.opts.AllowedExtensions != nil {
		ext := strings.ToLower(filepath.Ext(path))
		if !slices.Contains(w.opts.AllowedExtensions, ext) {
			return fail(&PolicyError{Subject: req.Path, Reason: fmt.Sprintf("file extension %q is not allowed", ext)})
		}
	}

	data := req.Content
	if !req.Binary {
		data, err = EncodeText(string(req.Content), req.Encoding)
		if err != nil {
			return fail(err)
		}
	}

	if w.opts.MaxFileSize > 0 && int64(len(data)) > w.opts.MaxFileSize {
		return fail(fmt.Errorf("%w: content size (%d bytes) exceeds limit (%d bytes)", ErrFileTooLarge, len(data), w.opts.MaxFileSize))
	}

	if err := env.WriteFile(ctx, path, data, req.CreateDirs); err != nil {
		return fail(err)
	}

	result := map[string]any{
		"path":     path,
		"size":     len(data),
		"binary":   req.Binary,
		"encoding": req.Encoding,
	}
	if req.Binary {
		result["encoding"] = nil
	}
	return w.tagged(model.Succeeded(result, start))
}
