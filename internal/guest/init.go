package guest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// mount is one filesystem the agent mounts when it runs as init.
type mount struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

var initMounts = []mount{
	{source: "proc", target: "/proc", fstype: "proc", flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: unix.MS_NOSUID},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_NODEV, data: "mode=1777"},
	{source: "tmpfs", target: "/run", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_NODEV, data: "mode=0755"},
}

// GuestPath is the PATH processes inside the microVM run with.
const GuestPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// SetupInit prepares the minimal system a PID 1 agent needs: kernel
// filesystems, a writable /tmp and the base environment. It does nothing
// when the agent is not init.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}
	logger.Info("running as init, mounting filesystems")

	for _, m := range initMounts {
		if err := mountFS(m); err != nil {
			logger.Warn("mount failed", "target", m.target, "error", err)
		}
	}
	if err := unix.Sethostname([]byte("sandbox")); err != nil {
		logger.Warn("set hostname", "error", err)
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", GuestPath)
}

func mountFS(m mount) error {
	if err := os.MkdirAll(m.target, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", m.target, err)
	}
	err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data)
	if errors.Is(err, unix.EBUSY) {
		// Already mounted by the kernel or a previous boot stage.
		return nil
	}
	return err
}
