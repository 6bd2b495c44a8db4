// Package archive implements the single-file tar format used to move files
// across a backend's control channel. An archive holds exactly one regular
// file named by its base name; directory structure never survives transfer.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFileMode is applied to packed files when the caller passes 0.
const DefaultFileMode = 0o644

// ErrEmpty is returned when an archive contains no regular file.
var ErrEmpty = errors.New("archive contains no file")

// ErrTooLarge is returned when an archived file exceeds the caller's limit.
var ErrTooLarge = errors.New("archived file exceeds size limit")

// PackFile builds a tar archive holding data under the base name of name.
func PackFile(name string, data []byte, mode int64) ([]byte, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}
	if mode == 0 {
		mode = DefaultFileMode
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:     base,
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackFile returns the name and contents of the first regular file in r.
// A maxSize above zero bounds the accepted file size.
func UnpackFile(r io.Reader, maxSize int64) (string, []byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", nil, ErrEmpty
		}
		if err != nil {
			return "", nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if maxSize > 0 && hdr.Size > maxSize {
			return "", nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, hdr.Size, maxSize)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return "", nil, fmt.Errorf("read tar body: %w", err)
		}
		return hdr.Name, data, nil
	}
}

// ExtractFile writes the single file in r into dir and returns its path.
// Entries that would land outside dir are rejected.
func ExtractFile(r io.Reader, dir string, maxSize int64) (string, error) {
	tr := tar.NewReader(r)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", ErrEmpty
		}
		if err != nil {
			return "", fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target := filepath.Join(absDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) {
			return "", fmt.Errorf("archive entry %q escapes target directory", hdr.Name)
		}
		if maxSize > 0 && hdr.Size > maxSize {
			return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, hdr.Size, maxSize)
		}

		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return "", fmt.Errorf("create file %s: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return "", fmt.Errorf("write file %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close file %s: %w", target, err)
		}
		return target, nil
	}
}

// PackPath reads the file at path and packs it. Used by the guest side of
// read requests.
func PackPath(path string, maxSize int64) ([]byte, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, info.Size(), fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, info.Size(), maxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	packed, err := PackFile(path, data, int64(info.Mode().Perm()))
	if err != nil {
		return nil, 0, err
	}
	return packed, int64(len(data)), nil
}
