package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OutputLine is one line of command output streamed from a context.
type OutputLine struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// StreamOutput follows the command output of context id, calling fn for each
// line. It returns nil when the server ends the stream because the context
// was deleted, and ctx.Err() when ctx ends first.
func (c *Client) StreamOutput(ctx context.Context, id string, fn func(OutputLine)) error {
	resp, err := c.send(ctx, http.MethodGet, contextPath(id, "output"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var event, data string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == "done" {
				return nil
			}
			if data != "" {
				var out OutputLine
				if err := json.Unmarshal([]byte(data), &out); err != nil {
					return fmt.Errorf("decode output event: %w", err)
				}
				fn(out)
			}
			event, data = "", ""
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read output stream: %w", err)
	}
	return nil
}
