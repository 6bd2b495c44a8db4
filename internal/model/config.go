package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Context config defaults.
const (
	DefaultImage       = "python:3.11-slim"
	DefaultMemoryLimit = "512m"
	DefaultCPULimit    = 1.0
	DefaultTimeout     = Duration(30 * time.Second)
	DefaultWorkingDir  = "/workspace"
)

// NetworkPolicy controls whether a context has network access. A non-empty
// Name attaches the context to that named network.
type NetworkPolicy struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

// CapabilityConfig configures one capability inside a context. Options are
// capability specific and decoded by the capability itself.
type CapabilityConfig struct {
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Timeout Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// IsEnabled reports whether the capability is enabled; unset means enabled.
func (c CapabilityConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Config is the typed configuration a context is created with.
type Config struct {
	Image        string                      `json:"image,omitempty" yaml:"image,omitempty"`
	MemoryLimit  string                      `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
	CPULimit     float64                     `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`
	Timeout      Duration                    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	WorkingDir   string                      `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env          map[string]string           `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
	Network      NetworkPolicy               `json:"network" yaml:"network"`
	Volumes      []string                    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Ports        []string                    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Privileged   bool                        `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	RemoveOnExit *bool                       `json:"remove_on_exit,omitempty" yaml:"remove_on_exit,omitempty"`
	Command      []string                    `json:"command,omitempty" yaml:"command,omitempty"`
	Capabilities map[string]CapabilityConfig `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// DefaultConfig returns the configuration used when a caller supplies none.
func DefaultConfig() Config {
	return Config{
		Image:        DefaultImage,
		MemoryLimit:  DefaultMemoryLimit,
		CPULimit:     DefaultCPULimit,
		Timeout:      DefaultTimeout,
		WorkingDir:   DefaultWorkingDir,
		RemoveOnExit: Bool(true),
	}
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// RemovesOnExit reports whether cleanup destroys the context's resources.
// Unset means remove.
func (c Config) RemovesOnExit() bool {
	return c.RemoveOnExit == nil || *c.RemoveOnExit
}

// WithDefaults fills zero-valued fields of c from base.
func (c Config) WithDefaults(base Config) Config {
	if c.Image == "" {
		c.Image = base.Image
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = base.MemoryLimit
	}
	if c.CPULimit == 0 {
		c.CPULimit = base.CPULimit
	}
	if c.Timeout == 0 {
		c.Timeout = base.Timeout
	}
	if c.WorkingDir == "" {
		c.WorkingDir = base.WorkingDir
	}
	if c.RemoveOnExit == nil {
		c.RemoveOnExit = base.RemoveOnExit
	}
	if len(base.Env) > 0 {
		env := maps.Clone(base.Env)
		maps.Copy(env, c.Env)
		c.Env = env
	}
	if len(base.Capabilities) > 0 {
		caps := maps.Clone(base.Capabilities)
		maps.Copy(caps, c.Capabilities)
		c.Capabilities = caps
	}
	return c
}

// Validate checks c for values no backend can honor.
func (c Config) Validate() error {
	var errs []error
	if c.CPULimit < 0 {
		errs = append(errs, fmt.Errorf("cpu_limit must not be negative, got %v", c.CPULimit))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.Network.Name != "" && !c.Network.Enabled {
		errs = append(errs, errors.New("network name set but network is disabled"))
	}
	for name, cc := range c.Capabilities {
		if cc.Timeout < 0 {
			errs = append(errs, fmt.Errorf("tools.%s.timeout must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// MergeEnv returns the config environment overlaid with extra.
func (c Config) MergeEnv(extra map[string]string) map[string]string {
	env := make(map[string]string, len(c.Env)+len(extra))
	maps.Copy(env, c.Env)
	maps.Copy(env, extra)
	return env
}

// Clone returns a deep copy of c so callers may decode into it without
// mutating shared maps and slices.
func (c Config) Clone() Config {
	out := c
	out.Env = maps.Clone(c.Env)
	out.Volumes = slices.Clone(c.Volumes)
	out.Ports = slices.Clone(c.Ports)
	out.Command = slices.Clone(c.Command)
	if c.RemoveOnExit != nil {
		out.RemoveOnExit = Bool(*c.RemoveOnExit)
	}
	if c.Capabilities != nil {
		out.Capabilities = make(map[string]CapabilityConfig, len(c.Capabilities))
		for name, cc := range c.Capabilities {
			cc.Options = maps.Clone(cc.Options)
			out.Capabilities[name] = cc
		}
	}
	return out
}
