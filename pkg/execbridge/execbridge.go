// Package execbridge runs an external collaborator tool as a
// subprocess, passing a JSON request on stdin and reading a JSON
// response from stdout. The conversion library, the NWB inspector, and
// the PDF renderer are all external services per the core's scope; this
// bridge is how a deployment plugs real (typically Python) tools in.
package execbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Run executes command (split on whitespace: executable + args), writes
// input as JSON to its stdin, and decodes its stdout into output. A
// non-zero exit returns the tool's stderr verbatim so library error text
// is preserved for the error envelope.
func Run(ctx context.Context, command string, input, output any) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return fmt.Errorf("execbridge: empty command")
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("execbridge: marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ToolError{Command: parts[0], Stderr: stderr.String(), Cause: err}
	}

	if output == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), output); err != nil {
		return fmt.Errorf("execbridge: %s produced invalid JSON: %w", parts[0], err)
	}
	return nil
}

// ToolError carries the external tool's stderr verbatim.
type ToolError struct {
	Command string
	Stderr  string
	Cause   error
}

func (e *ToolError) Error() string {
	text := strings.TrimSpace(e.Stderr)
	if text == "" {
		text = e.Cause.Error()
	}
	return e.Command + ": " + text
}

func (e *ToolError) Unwrap() error { return e.Cause }
