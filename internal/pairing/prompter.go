package pairing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrPromptTimeout is returned when the operator does not answer in time
	ErrPromptTimeout = errors.New("prompt timed out")
	// ErrInputClosed is returned once the operator input stream has ended
	ErrInputClosed = errors.New("operator input closed")
)

// Prompter asks the operator a question and waits for one line of input
type Prompter interface {
	Ask(ctx context.Context, question string, timeout time.Duration) (string, error)
}

// ConsolePrompter reads operator answers from a line-oriented stream. A
// single goroutine owns the reader; one question is asked at a time and a
// caller waiting for its turn can still give up.
type ConsolePrompter struct {
	out   io.Writer
	lines chan string
	turn  chan struct{}
}

// NewConsolePrompter starts reading lines from in
func NewConsolePrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	p := &ConsolePrompter{
		out:   out,
		lines: make(chan string, 16),
		turn:  make(chan struct{}, 1),
	}
	go p.read(in)
	return p
}

func (p *ConsolePrompter) read(in io.Reader) {
	defer close(p.lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// Ask prints question and returns the next line typed after it. The timeout
// covers the wait for another port's prompt to finish.
func (p *ConsolePrompter) Ask(ctx context.Context, question string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.turn <- struct{}{}:
	case <-timer.C:
		return "", ErrPromptTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-p.turn }()

	// input typed while nobody was asking
	for drained := false; !drained; {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return "", ErrInputClosed
			}
		default:
			drained = true
		}
	}

	fmt.Fprint(p.out, question)

	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", ErrInputClosed
		}
		return line, nil
	case <-timer.C:
		fmt.Fprintln(p.out)
		return "", ErrPromptTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
