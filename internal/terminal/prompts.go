package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from in and writes questions to out
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a prompter over the given streams
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Confirm asks a yes/no question. The default answer is no: empty input,
// end of input and anything other than y/yes decline.
func (p *Prompter) Confirm(question string) (bool, error) {
	if _, err := fmt.Fprintf(p.out, "%s [y/N]: ", question); err != nil {
		return false, err
	}

	input, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read input: %w", err)
	}
	if errors.Is(err, io.EOF) && input == "" {
		// keep the terminal tidy when stdin closes without a newline
		_, _ = fmt.Fprintln(p.out)
	}

	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// IsTerminal returns true if f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
