package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/seantiz/sandboxd/internal/model"
)

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(h)
			}

			status := "healthy"
			if !h.Healthy {
				status = "unhealthy"
			}
			uptime := time.Duration(h.UptimeSeconds * float64(time.Second)).Round(time.Second)
			sys := h.SystemInfo

			table := c.newTable("Property", "Value")
			table.Append([]string{"Server", c.client().BaseURL()})
			table.Append([]string{"Status", status})
			table.Append([]string{"Version", h.Version})
			table.Append([]string{"Uptime", uptime.String()})
			table.Append([]string{"Active Contexts", fmt.Sprint(h.ActiveContexts)})
			table.Append([]string{"Host", sys.Hostname})
			table.Append([]string{"Platform", strings.TrimSpace(sys.Platform + " " + sys.KernelVersion)})
			table.Append([]string{"CPU", fmt.Sprintf("%d cores, %.1f%%", sys.CPUCount, sys.CPUPercent)})
			table.Append([]string{"Memory", fmt.Sprintf("%s / %s (%.1f%%)",
				units.BytesSize(float64(sys.MemoryUsed)), units.BytesSize(float64(sys.MemoryTotal)), sys.MemoryPercent)})
			return table.Render()
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show context and execution statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(s)
			}

			table := c.newTable("Metric", "Value")
			table.Append([]string{"Contexts", fmt.Sprint(s.Total)})
			statuses := make([]string, 0, len(s.ByStatus))
			for status := range s.ByStatus {
				statuses = append(statuses, string(status))
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				table.Append([]string{"  " + status, fmt.Sprint(s.ByStatus[model.Status(status)])})
			}
			for _, typ := range sortedCounts(s.ByType) {
				table.Append([]string{"  type " + typ, fmt.Sprint(s.ByType[typ])})
			}

			if e := s.Executions; e != nil {
				table.Append([]string{"Executions", fmt.Sprint(e.Total)})
				for _, status := range sortedCounts(e.CountByStatus) {
					table.Append([]string{"  " + status, fmt.Sprint(e.CountByStatus[status])})
				}
				for _, kind := range sortedCounts(e.CountByKind) {
					table.Append([]string{"  kind " + kind, fmt.Sprint(e.CountByKind[kind])})
				}
				table.Append([]string{"Avg Duration", fmt.Sprintf("%.1fms", e.AvgDurationMS)})
			}
			return table.Render()
		},
	}
}

func (c *cli) backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List backend types the server can create",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := c.client().Backends(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(b)
			}
			for _, name := range b.Backends {
				if name == b.Default {
					fmt.Fprintf(c.out, "%s (default)\n", name)
					continue
				}
				fmt.Fprintln(c.out, name)
			}
			return nil
		},
	}
}

func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
