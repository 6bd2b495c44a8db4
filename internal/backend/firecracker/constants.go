package firecracker

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// DefaultBootTimeout bounds guest agent readiness polling.
const DefaultBootTimeout = 30 * time.Second

// RootfsFilename is the format string for rootfs image filenames (e.g. "python:3.11-slim.ext4").
const RootfsFilename = "%s.ext4"

// Guest paths.
const (
	// GuestWorkDir is the default working directory inside the microVM.
	GuestWorkDir = "/workspace"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/sandbox-guest"
)

// MaxConcurrentVMs is the default maximum number of concurrent microVMs.
const MaxConcurrentVMs = 10

// RootfsPath returns the rootfs image for a context image name. Registry
// path separators become underscores so every image maps to one file in
// rootfsDir.
func RootfsPath(rootfsDir, image string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(image), "/", "_")
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid image name %q", image)
	}
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, name)), nil
}
