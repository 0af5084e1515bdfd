// Package pipeline provides the worker handlers for each job type. Handlers
// drive the segment stage machine and either invoke the configured external
// tool for the stage or wait for its artifact to be delivered out-of-band.
package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external stage command.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// ExecRunner runs stage commands through the shell.
type ExecRunner struct{}

// Run executes the command line, returning combined output on failure.
func (ExecRunner) Run(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail != "" {
			return fmt.Errorf("%s: %w: %s", firstWord(command), err, detail)
		}
		return fmt.Errorf("%s: %w", firstWord(command), err)
	}
	return nil
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "command"
	}
	return fields[0]
}

// expandCommand substitutes the {segment}, {input}, and {output}
// placeholders.
func expandCommand(template, segmentID, input, output string) string {
	replacer := strings.NewReplacer(
		"{segment}", segmentID,
		"{input}", input,
		"{output}", output,
	)
	return replacer.Replace(template)
}
