package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
)

// CLIRunner executes API actions by invoking a local server CLI binary
// instead of the HTTP endpoint. Used for --apipath mounts where the server
// runs on the same host.
type CLIRunner struct {
	apiPath string
	log     *slog.Logger
}

// NewCLIRunner creates a CLIRunner for the given server CLI path.
func NewCLIRunner(apiPath string, log *slog.Logger) *CLIRunner {
	return &CLIRunner{apiPath: apiPath, log: log}
}

// Hostname returns the base name of the server binary path.
func (r *CLIRunner) Hostname() string { return filepath.Base(r.apiPath) }

// EnableRetry is a no-op; local invocations are not retried.
func (r *CLIRunner) EnableRetry() {}

// RunAction executes the action and returns the raw response body.
func (r *CLIRunner) RunAction(ctx context.Context, in Input) ([]byte, error) {
	args := []string{in.App, in.Action}

	// Deterministic argument order keeps invocations reproducible in logs.
	keys := make([]string, 0, len(in.Params))
	for key := range in.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--"+key, in.Params[key])
	}

	var stdin bytes.Buffer
	for key, file := range in.Files {
		args = append(args, "--"+key+"-", file.Name)
		stdin.Write(file.Data)
	}

	cmd := exec.CommandContext(ctx, r.apiPath, args...)
	if stdin.Len() > 0 {
		cmd.Stdin = &stdin
	}

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running %s %s/%s: %w", r.Hostname(), in.App, in.Action, err)
	}
	return out, nil
}

// RunActionStream executes the action, passing the output to fn in one
// chunk. The CLI transport does not support incremental streaming.
func (r *CLIRunner) RunActionStream(ctx context.Context, in Input, fn func(offset int64, data []byte) error) error {
	out, err := r.RunAction(ctx, in)
	if err != nil {
		return err
	}
	return fn(0, out)
}
