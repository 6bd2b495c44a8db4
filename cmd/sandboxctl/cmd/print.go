package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/seantiz/sandboxd/internal/model"
)

func (c *cli) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(c.out, string(data))
	return nil
}

func (c *cli) newTable(headers ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(c.out)
	table.Header(headers...)
	return table
}

func (c *cli) printContexts(infos []model.ContextInfo) error {
	if c.jsonOutput() {
		return c.printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(c.out, "No contexts found")
		return nil
	}

	table := c.newTable("ID", "Type", "Status", "Image", "Created")
	for _, info := range infos {
		table.Append([]string{
			info.ID,
			info.Type,
			string(info.Status),
			info.Config.Image,
			info.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return table.Render()
}

func (c *cli) printContext(info *model.ContextInfo) error {
	if c.jsonOutput() {
		return c.printJSON(info)
	}

	table := c.newTable("Property", "Value")
	table.Append([]string{"ID", info.ID})
	table.Append([]string{"Type", info.Type})
	table.Append([]string{"Status", string(info.Status)})
	table.Append([]string{"Image", info.Config.Image})
	table.Append([]string{"Memory", info.Config.MemoryLimit})
	table.Append([]string{"CPUs", fmt.Sprintf("%g", info.Config.CPULimit)})
	table.Append([]string{"Timeout", info.Config.Timeout.String()})
	table.Append([]string{"Working Dir", info.Config.WorkingDir})
	table.Append([]string{"Network", fmt.Sprintf("%t", info.Config.Network.Enabled)})
	table.Append([]string{"Tools", strings.Join(info.Capabilities, ", ")})
	table.Append([]string{"Created", info.CreatedAt.Local().Format(time.DateTime)})
	table.Append([]string{"Updated", info.UpdatedAt.Local().Format(time.DateTime)})
	for _, k := range sortedKeys(info.Metadata) {
		table.Append([]string{k, fmt.Sprint(info.Metadata[k])})
	}
	return table.Render()
}

// printOutcome writes the outcome and turns an unsuccessful one into an
// error so the process exits non-zero.
func (c *cli) printOutcome(o *model.Outcome) error {
	if c.jsonOutput() {
		if err := c.printJSON(o); err != nil {
			return err
		}
	} else {
		c.printResult(o.Result)
	}
	if o.OK() {
		return nil
	}
	if o.Error != "" {
		return fmt.Errorf("%s: %s", o.Status, o.Error)
	}
	return fmt.Errorf("execution %s", o.Status)
}

func (c *cli) printResult(result any) {
	m, ok := result.(map[string]any)
	if !ok {
		if result != nil {
			fmt.Fprintln(c.out, result)
		}
		return
	}

	switch {
	case m["output"] != nil:
		fmt.Fprint(c.out, ensureNewline(fmt.Sprint(m["output"])))
		if rv, ok := m["return_value"]; ok && rv != nil {
			fmt.Fprintf(c.out, "=> %v\n", rv)
		}
	case m["content"] != nil:
		fmt.Fprint(c.out, ensureNewline(fmt.Sprint(m["content"])))
	default:
		for _, k := range sortedKeys(m) {
			fmt.Fprintf(c.out, "%s: %v\n", k, m[k])
		}
	}
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
