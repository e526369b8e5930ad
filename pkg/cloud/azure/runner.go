package azure

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one az CLI invocation and returns its stdout. The
// launcher drives everything through this seam; tests script it.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner shells out to the az binary on PATH.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "az", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("az %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}
