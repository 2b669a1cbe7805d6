package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// console reads operator input one line per prompt. Lines are pumped by a
// goroutine so a pending read never blocks shutdown.
type console struct {
	out   io.Writer
	lines chan string
	errs  chan error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{
		out:   out,
		lines: make(chan string),
		errs:  make(chan error, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.pump(in)
	return c
}

func (c *console) pump(in io.Reader) {
	defer close(c.done)
	defer close(c.lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.errs <- err
	}
}

// close releases the pump once it is back from its current read.
func (c *console) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// prompt prints label and waits for the next line; io.EOF once input ends.
func (c *console) prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprint(c.out, label)
	select {
	case line, ok := <-c.lines:
		if !ok {
			select {
			case err := <-c.errs:
				return "", err
			default:
				return "", io.EOF
			}
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) println(args ...any) {
	fmt.Fprintln(c.out, args...)
}
