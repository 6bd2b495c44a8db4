package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/sandboxd/internal/client"
	"github.com/seantiz/sandboxd/internal/model"
)

func (c *cli) createCmd() *cobra.Command {
	var (
		req        client.CreateRequest
		configFile string
		image      string
		memory     string
		cpus       float64
		timeout    time.Duration
		workdir    string
		env        map[string]string
		network    bool
		keep       bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an execution context",
		Long: `Create and start an execution context.

Settings may come from a YAML file with --config-file; flags override it.
Unset fields take the server defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := model.Config{}
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("read context config: %w", err)
				}
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return fmt.Errorf("parse context config %s: %w", configFile, err)
				}
			}

			flags := cmd.Flags()
			if flags.Changed("image") {
				cfg.Image = image
			}
			if flags.Changed("memory") {
				cfg.MemoryLimit = memory
			}
			if flags.Changed("cpus") {
				cfg.CPULimit = cpus
			}
			if flags.Changed("timeout") {
				cfg.Timeout = model.Duration(timeout)
			}
			if flags.Changed("workdir") {
				cfg.WorkingDir = workdir
			}
			if flags.Changed("network") {
				cfg.Network.Enabled = network
			}
			if flags.Changed("keep") {
				cfg.RemoveOnExit = model.Bool(!keep)
			}
			if len(env) > 0 {
				if cfg.Env == nil {
					cfg.Env = map[string]string{}
				}
				for k, v := range env {
					cfg.Env[k] = v
				}
			}
			req.Config = &cfg

			info, err := c.client().CreateContext(cmd.Context(), req)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(info)
			}
			fmt.Fprintf(c.out, "Created %s context %s\n", info.Type, info.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.Type, "type", "t", "", "backend type (docker, local, firecracker)")
	f.StringVar(&req.ID, "id", "", "context ID (generated when empty)")
	f.StringVarP(&configFile, "config-file", "f", "", "YAML file with the context configuration")
	f.StringVar(&image, "image", "", "container or VM image")
	f.StringVar(&memory, "memory", "", "memory limit, e.g. 512m")
	f.Float64Var(&cpus, "cpus", 0, "CPU limit")
	f.DurationVar(&timeout, "timeout", 0, "default execution timeout")
	f.StringVar(&workdir, "workdir", "", "working directory inside the context")
	f.StringToStringVarP(&env, "env", "e", nil, "environment variables (KEY=VALUE)")
	f.BoolVar(&network, "network", false, "enable network access")
	f.BoolVar(&keep, "keep", false, "keep the context's resources after it is deleted")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List execution contexts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter model.Status
			if status != "" {
				s, ok := model.ParseStatus(status)
				if !ok {
					return fmt.Errorf("invalid status %q", status)
				}
				filter = s
			}
			infos, err := c.client().ListContexts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.printContexts(infos)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list contexts in this status")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <context-id>",
		Short: "Show one execution context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.client().GetContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printContext(info)
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <context-id>...",
		Aliases: []string{"rm"},
		Short:   "Delete execution contexts",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := c.client()
			var failed int
			for _, id := range args {
				deleted, err := api.DeleteContext(cmd.Context(), id)
				switch {
				case err != nil:
					fmt.Fprintf(c.errOut, "%s: %v\n", id, err)
					failed++
				case !deleted:
					fmt.Fprintf(c.errOut, "%s: removed with cleanup errors\n", id)
					failed++
				default:
					fmt.Fprintf(c.out, "Deleted %s\n", id)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d deletions failed", failed, len(args))
			}
			return nil
		},
	}
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <context-id>",
		Short: "Stop an execution context without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.client().StopContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(info)
			}
			fmt.Fprintf(c.out, "Context %s is %s\n", info.ID, info.Status)
			return nil
		},
	}
}
