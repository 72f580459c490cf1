// Package invoke builds and runs the planet update management command.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/biostar-central/planetjob/internal/activate"
	"github.com/biostar-central/planetjob/internal/config"
	"github.com/biostar-central/planetjob/internal/constants"
)

// Grace period between SIGTERM and SIGKILL when the run is cancelled.
const killDelay = 10 * time.Second

// ExitError carries the exit status of a failed update command.
type ExitError struct {
	Code    int
	Command string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

// Command is a fully resolved invocation of the update command.
type Command struct {
	Argv    []string // python manage.py planet --update N
	Program string   // Argv[0], or the activation shell
	Args    []string
	Dir     string
	Env     []string
}

// UpdateArgs returns the management command arguments for count entries.
func UpdateArgs(manage string, count int) []string {
	return []string{manage, constants.PlanetCommand, constants.UpdateFlag, strconv.Itoa(count)}
}

// Argv returns the unwrapped command line for cfg.
func Argv(cfg config.Config) []string {
	return append([]string{cfg.Python}, UpdateArgs(cfg.Manage, cfg.UpdateCount)...)
}

func Build(cfg config.Config, env activate.Environment) Command {
	argv := Argv(cfg)
	program, args := env.Wrap(argv)
	return Command{
		Argv:    argv,
		Program: program,
		Args:    args,
		Dir:     env.WorkDir,
		Env:     env.Vars,
	}
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Run executes the command synchronously, streaming its output to stdout
// and stderr. A non-zero exit is reported as *ExitError.
func (c Command) Run(ctx context.Context, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("failed to start %s: %w", c.Program, err)
	}

	result := &ExitError{Code: exitErr.ExitCode(), Command: c.String()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Code = 128 + int(status.Signal())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, result)
	}
	return result
}

// ExitCode maps a run error to a process exit status the way a shell would.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, exec.ErrNotFound) {
		return 127
	}
	return 1
}
