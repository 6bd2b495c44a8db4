package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/sandboxd/internal/client"
)

func execFlags(cmd *cobra.Command, opts *client.ExecOptions) {
	f := cmd.Flags()
	f.DurationVar(&opts.Timeout, "timeout", 0, "execution timeout (context default when zero)")
	f.StringVarP(&opts.WorkingDir, "workdir", "w", "", "working directory")
	f.StringToStringVarP(&opts.Env, "env", "e", nil, "environment variables (KEY=VALUE)")
}

func (c *cli) execCodeCmd() *cobra.Command {
	var (
		req  client.CodeRequest
		file string
	)

	cmd := &cobra.Command{
		Use:   "exec-code <context-id> [code]",
		Short: "Run a code snippet in a context",
		Long: `Run a code snippet in a context.

The code is taken from the argument, from --file, or from stdin when
neither is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 2:
				req.Code = args[1]
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read code: %w", err)
				}
				req.Code = string(data)
			default:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read code from stdin: %w", err)
				}
				req.Code = string(data)
			}
			if strings.TrimSpace(req.Code) == "" {
				return fmt.Errorf("no code given")
			}

			o, err := c.client().ExecuteCode(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return c.printOutcome(o)
		},
	}

	cmd.Flags().StringVarP(&req.Language, "language", "l", "python", "code language")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the code from a file")
	execFlags(cmd, &req.ExecOptions)
	return cmd
}

func (c *cli) execCmd() *cobra.Command {
	var req client.CommandRequest

	cmd := &cobra.Command{
		Use:   "exec <context-id> -- <command> [args...]",
		Short: "Run a shell command in a context",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Command = strings.Join(args[1:], " ")
			o, err := c.client().ExecuteCommand(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return c.printOutcome(o)
		},
	}
	execFlags(cmd, &req.ExecOptions)
	return cmd
}

func (c *cli) readCmd() *cobra.Command {
	var (
		req  client.ReadFileRequest
		dest string
	)

	cmd := &cobra.Command{
		Use:   "read <context-id> <path>",
		Short: "Read a file from a context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Path = args[1]
			if dest != "" {
				req.Binary = true
			}
			o, err := c.client().ReadFile(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if dest == "" || !o.OK() {
				return c.printOutcome(o)
			}

			encoded, _ := o.ResultMap()["content"].(string)
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("decode file content: %w", err)
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", dest, err)
			}
			fmt.Fprintf(c.out, "Wrote %d bytes to %s\n", len(data), dest)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Encoding, "encoding", "", "text encoding (utf-8 when empty)")
	f.BoolVar(&req.Binary, "binary", false, "return base64 encoded content")
	f.StringVarP(&dest, "output-file", "O", "", "save the file locally instead of printing it")
	return cmd
}

func (c *cli) writeCmd() *cobra.Command {
	var (
		req     client.WriteFileRequest
		from    string
		content string
	)

	cmd := &cobra.Command{
		Use:   "write <context-id> <path>",
		Short: "Write a file into a context",
		Long: `Write a file into a context.

The content comes from --content, from a local file with --from (sent as
binary), or from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Path = args[1]
			switch {
			case cmd.Flags().Changed("content"):
				req.Content = []byte(content)
			case from != "":
				data, err := os.ReadFile(from)
				if err != nil {
					return fmt.Errorf("read %s: %w", from, err)
				}
				req.Content = data
				req.Binary = true
			default:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read content from stdin: %w", err)
				}
				req.Content = data
			}

			o, err := c.client().WriteFile(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if c.jsonOutput() || !o.OK() {
				return c.printOutcome(o)
			}
			fmt.Fprintf(c.out, "Wrote %v bytes to %s\n", o.ResultMap()["size"], req.Path)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&content, "content", "c", "", "file content")
	f.StringVar(&from, "from", "", "local file to upload")
	f.StringVar(&req.Encoding, "encoding", "", "text encoding (utf-8 when empty)")
	f.BoolVar(&req.Binary, "binary", false, "treat stdin or --content as binary")
	f.BoolVarP(&req.CreateDirs, "parents", "p", true, "create missing parent directories")
	return cmd
}

func (c *cli) toolCmd() *cobra.Command {
	var (
		params     map[string]string
		paramsJSON string
	)

	cmd := &cobra.Command{
		Use:   "tool <context-id> <name>",
		Short: "Run a capability in a context",
		Long: `Run a named capability in a context.

Parameters are given as --param key=value (values are parsed as JSON when
possible, otherwise sent as strings) or all at once with --params.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &values); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}
			for k, raw := range params {
				values[k] = parseParam(raw)
			}

			o, err := c.client().ExecuteCapability(cmd.Context(), args[0], args[1], values)
			if err != nil {
				return err
			}
			return c.printOutcome(o)
		},
	}

	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "capability parameter (key=value)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "capability parameters as a JSON object")
	return cmd
}

// parseParam decodes raw as JSON so numbers, booleans and lists keep their
// type, and falls back to the raw string.
func parseParam(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func (c *cli) toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools [context-id]",
		Short: "List capabilities",
		Long:  `List every registered capability, or those enabled in one context.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := c.client()
			if len(args) == 1 {
				names, err := api.ListCapabilities(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(names)
				}
				for _, name := range names {
					fmt.Fprintln(c.out, name)
				}
				return nil
			}

			infos, err := api.Capabilities(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(infos)
			}
			table := c.newTable("Name", "Parameters")
			for _, info := range infos {
				var ps []string
				for _, p := range info.Schema {
					s := p.Name + ":" + p.Type
					if p.Required {
						s += "*"
					}
					ps = append(ps, s)
				}
				table.Append([]string{info.Name, strings.Join(ps, " ")})
			}
			return table.Render()
		},
	}
}

func (c *cli) executionsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:     "executions <context-id>",
		Aliases: []string{"history"},
		Short:   "Show the execution history of a context",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := c.client().Executions(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(page)
			}

			table := c.newTable("ID", "Kind", "Tool", "Status", "Duration", "Time")
			for _, e := range page.Executions {
				table.Append([]string{
					e.ID,
					e.Kind,
					e.Capability,
					string(e.Status),
					(time.Duration(e.DurationMS) * time.Millisecond).String(),
					e.CreatedAt.Local().Format(time.DateTime),
				})
			}
			if err := table.Render(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Showing %d of %d\n", len(page.Executions), page.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of executions to skip")
	return cmd
}

func (c *cli) outputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <context-id>",
		Short: "Follow command output of a context",
		Long:  `Follow command output of a context until it is deleted or interrupted.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := c.client().StreamOutput(ctx, args[0], func(l client.OutputLine) {
				if c.jsonOutput() {
					data, _ := json.Marshal(l)
					fmt.Fprintln(c.out, string(data))
					return
				}
				w := c.out
				if l.Stream == "stderr" {
					w = c.errOut
				}
				fmt.Fprintln(w, l.Line)
			})
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
