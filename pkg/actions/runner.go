package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory; empty means the process directory.
	Dir string

	// Env replaces the process environment when non-nil.
	Env []string

	// Log, when set, is a file the command's output is appended to.
	Log string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs external programs.
type Runner interface {
	// Run executes cmd and returns its standard output. A non-zero exit
	// is an error that carries the exit code.
	Run(ctx context.Context, cmd Command) (string, error)
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Logger zerolog.Logger
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	var out, errOut io.Writer = &stdout, &stderr

	if c.Log != "" {
		logFile, err := os.OpenFile(c.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return "", fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()

		fmt.Fprintf(logFile, "executing: %s\n", c)
		out = io.MultiWriter(&stdout, logFile)
		errOut = io.MultiWriter(&stderr, logFile)
	}
	cmd.Stdout = out
	cmd.Stderr = errOut

	start := time.Now()
	err := cmd.Run()

	r.Logger.Debug().
		Str("command", c.String()).
		Str("dir", c.Dir).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("command completed")

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ExitError{
				Command:  c.Name,
				ExitCode: exitErr.ExitCode(),
				Stderr:   lastLine(stderr.String()),
			}
		}
		return stdout.String(), fmt.Errorf("failed to execute %s: %w", c.Name, err)
	}

	return stdout.String(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// lines splits command output into non-empty trimmed lines.
func lines(out string) []string {
	var result []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}
