// Package cmd implements the sandboxctl command tree.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/sandboxd/internal/client"
)

const (
	keyServer = "server"
	keyOutput = "output"

	outputTable = "table"
	outputJSON  = "json"
)

// cli carries the state shared by every subcommand of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
	errOut  io.Writer
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds a fresh command tree. Flags, SANDBOXCTL_* environment
// variables and the YAML config file are merged by viper in that order of
// precedence.
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Manage sandboxd execution contexts",
		Long:          `sandboxctl creates, inspects and runs code in isolated execution contexts managed by a sandboxd server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			c.errOut = cmd.ErrOrStderr()
			return c.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.sandboxctl/config.yaml)")
	flags.String(keyServer, client.DefaultBaseURL, "sandboxd server URL")
	flags.StringP(keyOutput, "o", outputTable, "output format: table or json")
	_ = c.v.BindPFlag(keyServer, flags.Lookup(keyServer))
	_ = c.v.BindPFlag(keyOutput, flags.Lookup(keyOutput))

	root.AddCommand(
		c.createCmd(),
		c.listCmd(),
		c.getCmd(),
		c.deleteCmd(),
		c.stopCmd(),
		c.execCodeCmd(),
		c.execCmd(),
		c.readCmd(),
		c.writeCmd(),
		c.toolCmd(),
		c.toolsCmd(),
		c.executionsCmd(),
		c.outputCmd(),
		c.healthCmd(),
		c.statsCmd(),
		c.backendsCmd(),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath())
	})
	return withErrorPrinting(root)
}

// withErrorPrinting makes every failing command report its error on stderr.
func withErrorPrinting(root *cobra.Command) *cobra.Command {
	var walk func(*cobra.Command)
	walk = func(cmd *cobra.Command) {
		if run := cmd.RunE; run != nil {
			cmd.RunE = func(cmd *cobra.Command, args []string) error {
				err := run(cmd, args)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				}
				return err
			}
		}
		for _, child := range cmd.Commands() {
			walk(child)
		}
	}
	walk(root)
	return root
}

func (c *cli) initConfig() error {
	c.v.SetEnvPrefix("SANDBOXCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", c.cfgFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	c.v.AddConfigPath(filepath.Join(home, ".sandboxctl"))
	c.v.SetConfigName("config")
	c.v.SetConfigType("yaml")
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (c *cli) client() *client.Client {
	return client.New(c.v.GetString(keyServer), nil)
}

func (c *cli) jsonOutput() bool {
	return strings.EqualFold(c.v.GetString(keyOutput), outputJSON)
}
