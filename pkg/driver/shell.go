package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// restrictedShellDriver runs a single allowlisted binary with arguments
// taken verbatim from the step input. It never invokes a shell interpreter
// itself (no sh -c), so shell metacharacters in arguments are inert; the
// dangerous-content scan in the policy engine is the first line of defense,
// this allowlist is the second.
type restrictedShellDriver struct {
	allowedBinaries map[string]bool
}

func newRestrictedShellFactory(config map[string]any) (Driver, error) {
	allowed := map[string]bool{"echo": true, "cat": true, "ls": true}
	if raw, ok := config["allowed_binaries"].([]any); ok {
		allowed = map[string]bool{}
		for _, v := range raw {
			if s, ok := v.(string); ok {
				allowed[s] = true
			}
		}
	}
	return &restrictedShellDriver{allowedBinaries: allowed}, nil
}

func (d *restrictedShellDriver) Name() string { return "restricted_shell" }

func (d *restrictedShellDriver) Execute(ctx context.Context, in Input) (Output, error) {
	bin, _ := in.Extra["bin"].(string)
	if bin == "" || !d.allowedBinaries[bin] {
		return Output{StatusCode: 403}, fmt.Errorf("restricted_shell driver: binary %q not allowlisted", bin)
	}
	var args []string
	switch raw := in.Extra["args"].(type) {
	case []string:
		args = raw
	case []any:
		for _, v := range raw {
			if s, ok := v.(string); ok {
				args = append(args, s)
			}
		}
	}

	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return Output{StatusCode: 408, Body: stderr.Bytes()}, runCtx.Err()
		}
		return Output{StatusCode: 500, Body: stderr.Bytes()}, fmt.Errorf("restricted_shell driver: %w", err)
	}
	return Output{StatusCode: 200, Body: stdout.Bytes()}, nil
}
