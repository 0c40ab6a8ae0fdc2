package workspace

import (
	"context"
	"os/exec"
)

// runShell executes one configured setup command through the shell, so
// users can write pipelines and && chains the way they would interactively
func runShell(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
