package operator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when stdin is not a terminal
var ErrNotInteractive = errors.New("not an interactive terminal")

// IsInteractive reports whether stdin is a terminal
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Console renders a prompt and reads the operator's choice
type Console struct {
	In  io.Reader
	Out io.Writer
}

// NewConsole creates a console on stdin/stderr
func NewConsole() *Console {
	return &Console{In: os.Stdin, Out: os.Stderr}
}

// Choose shows p and returns the chosen option id.
// Options can be picked by number or by id.
func (c *Console) Choose(p Prompt) (string, error) {
	fmt.Fprintln(c.Out, "")
	fmt.Fprintf(c.Out, "Workload %s needs attention (%s)\n", p.WorkloadID, p.Severity)
	fmt.Fprintf(c.Out, "Error: %s\n", p.Error)
	if p.Message != "" {
		fmt.Fprintln(c.Out, p.Message)
	}
	fmt.Fprintln(c.Out, "")
	fmt.Fprintln(c.Out, "Options:")
	for i, o := range p.Options {
		fmt.Fprintf(c.Out, "  [%d] %s - %s\n", i+1, o.Label, o.Description)
	}
	fmt.Fprintln(c.Out, "")

	reader := bufio.NewReader(c.In)
	for {
		fmt.Fprintf(c.Out, "Your choice [1-%d]: ", len(p.Options))
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))

		if input != "" {
			if n, convErr := strconv.Atoi(input); convErr == nil && n >= 1 && n <= len(p.Options) {
				return p.Options[n-1].ID, nil
			}
			if p.HasOption(input) {
				return input, nil
			}
			fmt.Fprintln(c.Out, "Invalid choice.")
		}
		if err != nil {
			return "", fmt.Errorf("failed to read choice: %w", err)
		}
	}
}
