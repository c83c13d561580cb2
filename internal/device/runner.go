package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Runner executes an external program and returns its combined output.
// A program that ran but exited non-zero yields an *ExitError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d: %s", e.Code, strings.TrimSpace(e.Output))
}

// ExecRunner runs programs with os/exec. The process is killed when ctx ends.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Debug().Str("command", name).Strs("args", args).Msg("running command")
	err := cmd.Run()
	if err == nil {
		return out.String(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out.String(), fmt.Errorf("%s killed: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), &ExitError{Code: exitErr.ExitCode(), Output: out.String()}
	}
	return out.String(), fmt.Errorf("run %s: %w", name, err)
}
