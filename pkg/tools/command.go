package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

var (
	// ErrUnsupportedCommand is returned for input that is not a single plain command
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrCommandNotAllowed is returned when the executable is not on the allowlist
	ErrCommandNotAllowed = errors.New("command not allowed")
)

const maxOutputBytes = 64 * 1024

// CommandRunner executes single commands without a shell.
// The command line is parsed as shell words so quoting works, but pipes,
// redirects, substitutions and variable expansion are rejected.
type CommandRunner struct {
	Workspace *Workspace
	Allow     []string // executable base names; empty allows any
	Timeout   time.Duration
}

// CommandResult is the outcome of a finished command
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ParseArgv splits a command line into argv using shell quoting rules
func ParseArgv(command string) ([]string, error) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCommand, err)
	}
	if len(file.Stmts) != 1 {
		return nil, fmt.Errorf("%w: expected one statement, got %d", ErrUnsupportedCommand, len(file.Stmts))
	}

	stmt := file.Stmts[0]
	if len(stmt.Redirs) > 0 || stmt.Background || stmt.Negated {
		return nil, fmt.Errorf("%w: redirects and job control are not supported", ErrUnsupportedCommand)
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, fmt.Errorf("%w: pipelines and compound commands are not supported", ErrUnsupportedCommand)
	}
	if len(call.Assigns) > 0 {
		return nil, fmt.Errorf("%w: environment assignments are not supported", ErrUnsupportedCommand)
	}

	argv := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		arg, err := literalWord(word)
		if err != nil {
			return nil, err
		}
		argv = append(argv, arg)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnsupportedCommand)
	}
	return argv, nil
}

func literalWord(word *syntax.Word) (string, error) {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescape(p.Value))
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", fmt.Errorf("%w: expansion inside quotes", ErrUnsupportedCommand)
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", fmt.Errorf("%w: %T", ErrUnsupportedCommand, part)
		}
	}
	return sb.String(), nil
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// Run parses and executes command in dir (relative to the workspace)
func (r *CommandRunner) Run(ctx context.Context, command, dir string) (*CommandResult, error) {
	argv, err := ParseArgv(command)
	if err != nil {
		return nil, err
	}
	if !r.allowed(argv[0]) {
		return nil, fmt.Errorf("%s: %w", argv[0], ErrCommandNotAllowed)
	}

	workDir := r.Workspace.Root
	if dir != "" {
		if workDir, err = r.Workspace.Resolve(dir); err != nil {
			return nil, err
		}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, max: maxOutputBytes}
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxOutputBytes}

	runErr := cmd.Run()
	result := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return result, nil
	case ctx.Err() != nil:
		return result, fmt.Errorf("command timed out: %w", ctx.Err())
	case errors.As(runErr, &exitErr):
		// A non-zero exit is a result, not an invocation failure
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		return nil, fmt.Errorf("failed to run %s: %w", argv[0], runErr)
	}
}

func (r *CommandRunner) allowed(executable string) bool {
	if len(r.Allow) == 0 {
		return true
	}
	base := filepath.Base(executable)
	for _, name := range r.Allow {
		if name == base || name == executable {
			return true
		}
	}
	return false
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if remaining := w.max - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
