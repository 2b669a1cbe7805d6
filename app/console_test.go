package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestConsolePromptsAndReportsEOF(t *testing.T) {
	var out strings.Builder
	c := newConsole(strings.NewReader("play\nbye\n"), &out)
	defer c.close()

	for _, want := range []string{"play", "bye"} {
		line, err := c.prompt(context.Background(), "> ")
		if err != nil {
			t.Fatalf("prompt failed: %v", err)
		}
		if line != want {
			t.Fatalf("prompt = %q, want %q", line, want)
		}
	}
	if _, err := c.prompt(context.Background(), "> "); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if out.String() != "> > > " {
		t.Fatalf("unexpected prompts %q", out.String())
	}
}

func TestConsoleCloseReleasesPump(t *testing.T) {
	c := newConsole(strings.NewReader("one\ntwo\nthree\n"), io.Discard)

	if _, err := c.prompt(context.Background(), ""); err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	c.close()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump still blocked after close")
	}
}

func TestConsolePromptHonorsContext(t *testing.T) {
	input, feed := io.Pipe()
	defer feed.Close()
	c := newConsole(input, io.Discard)
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.prompt(ctx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
