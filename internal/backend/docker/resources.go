package docker

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/seantiz/sandboxd/internal/model"
)

// Container labels.
const (
	LabelContext   = "sandboxd.context"
	LabelManagedBy = "sandboxd.managed-by"
)

// cpuPeriod is the CFS period CPU limits are expressed against.
const cpuPeriod = 100000

// keepAlive holds the container open when the config names no command.
var keepAlive = []string{"sleep", "infinity"}

// containerName returns the name a context's container is created under.
func containerName(id string) string {
	return "sandbox-" + strings.ToLower(id)
}

// containerConfig maps a context config onto Docker container and host
// configs.
func containerConfig(id string, cfg model.Config) (*container.Config, *container.HostConfig, error) {
	host := &container.HostConfig{
		NetworkMode: "none",
		Privileged:  cfg.Privileged,
	}

	if cfg.MemoryLimit != "" {
		mem, err := units.RAMInBytes(cfg.MemoryLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("parse memory_limit %q: %w", cfg.MemoryLimit, err)
		}
		host.Resources.Memory = mem
	}
	if cfg.CPULimit > 0 {
		host.Resources.CPUPeriod = cpuPeriod
		host.Resources.CPUQuota = int64(cfg.CPULimit * cpuPeriod)
	}

	if cfg.Network.Enabled {
		host.NetworkMode = "bridge"
		if cfg.Network.Name != "" {
			host.NetworkMode = container.NetworkMode(cfg.Network.Name)
		}
	}

	var exposed nat.PortSet
	if len(cfg.Ports) > 0 {
		if !cfg.Network.Enabled {
			return nil, nil, fmt.Errorf("ports require network to be enabled")
		}
		var bindings nat.PortMap
		var err error
		exposed, bindings, err = nat.ParsePortSpecs(cfg.Ports)
		if err != nil {
			return nil, nil, fmt.Errorf("parse ports: %w", err)
		}
		host.PortBindings = bindings
	}

	for _, v := range cfg.Volumes {
		m, err := parseVolume(v)
		if err != nil {
			return nil, nil, err
		}
		host.Mounts = append(host.Mounts, m)
	}

	cmd := cfg.Command
	if len(cmd) == 0 {
		cmd = keepAlive
	}

	env := make([]string, 0, len(cfg.Env))
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		env = append(env, k+"="+cfg.Env[k])
	}

	c := &container.Config{
		Image:        cfg.Image,
		Cmd:          cmd,
		WorkingDir:   cfg.WorkingDir,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelContext:   id,
			LabelManagedBy: "sandboxd",
		},
	}
	return c, host, nil
}

// parseVolume parses host:container[:ro|rw] into a bind mount.
func parseVolume(spec string) (mount.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return mount.Mount{}, fmt.Errorf("invalid volume %q: want host:container[:ro]", spec)
	}
	m := mount.Mount{Type: mount.TypeBind, Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return mount.Mount{}, fmt.Errorf("invalid volume mode %q in %q", parts[2], spec)
		}
	}
	return m, nil
}
