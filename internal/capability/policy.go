package capability

import (
	"path/filepath"
	"strings"
)

// Default file policy values.
const (
	DefaultMaxFileSize   = 10 << 20
	DefaultMaxOutputSize = 10000
)

// DefaultBlockedPaths are denied unless a context overrides blocked_paths.
var DefaultBlockedPaths = []string{"/etc/shadow", "/etc/passwd", "/etc/sudoers", "/proc", "/sys", "/dev"}

// DefaultBlockedCommands are leading tokens the shell executor refuses.
var DefaultBlockedCommands = []string{"shutdown", "reboot", "halt", "poweroff", "mkfs", "dd"}

// truncationMarker is appended to output cut at the size ceiling.
const truncationMarker = "\n... (output truncated)"

// PathPolicy decides which paths file capabilities may touch. The block
// list is checked first and always wins. A nil Allowed list means no allow
// list is configured; a non-nil one (even empty) must match.
type PathPolicy struct {
	Allowed []string
	Blocked []string
}

// Resolve returns path in absolute, cleaned form. Relative paths resolve
// against workDir.
func Resolve(path, workDir string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	return filepath.Clean(path)
}

// Check resolves path and reports a *PolicyError if it is denied.
func (p PathPolicy) Check(path, workDir string) (string, error) {
	abs := Resolve(path, workDir)

	for _, blocked := range p.Blocked {
		if hasPathPrefix(abs, Resolve(blocked, workDir)) {
			return abs, &PolicyError{Subject: path, Reason: "access to path is not allowed"}
		}
	}

	if p.Allowed != nil {
		for _, allowed := range p.Allowed {
			if hasPathPrefix(abs, Resolve(allowed, workDir)) {
				return abs, nil
			}
		}
		return abs, &PolicyError{Subject: path, Reason: "path is outside the allowed paths"}
	}

	return abs, nil
}

// hasPathPrefix reports whether path equals prefix or lies beneath it.
func hasPathPrefix(path, prefix string) bool {
	if path == prefix || prefix == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// truncate cuts s to max characters and appends the truncation marker.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + truncationMarker
}

// combine joins stdout and stderr the way the combined output field reports
// them: stderr follows stdout on its own line.
func combine(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	}
	return stdout + "\n" + stderr
}
