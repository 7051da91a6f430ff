// Package hostcmd knows which shell commands reveal item and resource state
// on Windows and Linux hosts, and how to read their output.
package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"fleetmon/internal/remote"
)

// Runner executes one shell command and returns its trimmed stdout. A
// non-zero exit must be reported as a *remote.Error of kind command_failed
// carrying the output, because some status commands exit non-zero on
// perfectly readable answers.
type Runner func(ctx context.Context, command string) (string, error)

// Remote runs commands on targetID through exec.
func Remote(exec remote.Executor, targetID string, timeout time.Duration) Runner {
	return func(ctx context.Context, command string) (string, error) {
		return exec.Execute(ctx, targetID, command, timeout)
	}
}

// Local runs commands on this host with the platform shell.
func Local(timeout time.Duration) Runner {
	return func(ctx context.Context, command string) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd", "/C", command)
		} else {
			cmd = exec.CommandContext(ctx, "sh", "-c", command)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		out := strings.TrimSpace(stdout.String())
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", &remote.Error{Kind: remote.KindTimeout, TargetID: "local", Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			return "", &remote.Error{Kind: remote.KindCommandFailed, TargetID: "local", Output: out, Err: err}
		}
		return "", &remote.Error{Kind: remote.KindCommandFailed, TargetID: "local", Err: err}
	}
}

// output returns the command output, tolerating non-zero exits that still
// printed something.
func output(ctx context.Context, run Runner, command string) (string, error) {
	out, err := run(ctx, command)
	if err == nil {
		return out, nil
	}
	var re *remote.Error
	if errors.As(err, &re) && re.Kind == remote.KindCommandFailed && strings.TrimSpace(re.Output) != "" {
		return strings.TrimSpace(re.Output), nil
	}
	return "", err
}
