package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/neuralsieve/relay/internal/model"
)

// Pipeline is the seam to the external processing step that turns a raw
// capture into a durable record. Implementations must tolerate being invoked
// more than once for the same capture: the relay protocol is at-least-once.
type Pipeline interface {
	Process(ctx context.Context, c model.Capture) error
}

// CommandPipeline invokes an external command for each capture, writing the
// capture as JSON to the command's stdin. A non-zero exit is a pipeline
// failure. Cancelling the context kills the command, leaving the capture
// unacked.
type CommandPipeline struct {
	Command string
	Args    []string
}

// Process implements Pipeline.
func (p *CommandPipeline) Process(ctx context.Context, c model.Capture) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode capture %d: %w", c.ID, err)
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("pipeline command: %w: %s", err, bytes.TrimSpace(out))
		}
		return fmt.Errorf("pipeline command: %w", err)
	}
	return nil
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, c model.Capture) error

// Process implements Pipeline.
func (f PipelineFunc) Process(ctx context.Context, c model.Capture) error {
	return f(ctx, c)
}
