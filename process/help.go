package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/guseggert/shellui/command"
)

// HelpResult is the output of a command template's help command.
type HelpResult struct {
	CommandID   string    `json:"commandId"`
	HelpOutput  string    `json:"helpOutput"`
	Available   bool      `json:"available"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Help runs cmd's help command synchronously, bounded by the help timeout.
// Failures are reported in the result rather than returned.
func (c *Coordinator) Help(ctx context.Context, cmd command.Command) HelpResult {
	res := HelpResult{CommandID: cmd.ID, GeneratedAt: c.now()}
	if cmd.HelpCommand == "" {
		res.HelpOutput = "No help available for this command"
		return res
	}

	out, err := c.runHelp(ctx, cmd)
	if err != nil {
		c.log.Debugf("help for %s failed: %s", cmd.ID, err)
		res.HelpOutput = fmt.Sprintf("Error generating help: %s", err)
		return res
	}
	res.HelpOutput = out
	res.Available = true
	return res
}

func (c *Coordinator) runHelp(ctx context.Context, cmd command.Command) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.helpTimeout)
	defer cancel()

	proc := exec.CommandContext(ctx, cmd.Interpreter(), "-c", cmd.HelpCommand)
	proc.Dir = c.workDir
	proc.WaitDelay = time.Second
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	proc.Stdout = stdout
	proc.Stderr = stderr

	if err := proc.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("help command timed out after %s", c.helpTimeout)
		}
		return "", fmt.Errorf("help command failed with exit code %d: %w", exitCode(proc.ProcessState), err)
	}

	switch {
	case stdout.Len() > 0:
		return stdout.String(), nil
	case stderr.Len() > 0:
		return stderr.String(), nil
	default:
		return "Help command executed but produced no output", nil
	}
}
