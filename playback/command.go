package playback

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandEngine plays sources through an external player process, such as
// ["ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"]. The source path is
// appended as the last argument.
type CommandEngine struct {
	Command []string
}

// NewCommandEngine validates that the player binary is on PATH.
func NewCommandEngine(command []string) (*CommandEngine, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("player command is required")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("find player %q: %w", command[0], err)
	}
	return &CommandEngine{Command: append([]string(nil), command...)}, nil
}

// Load prepares a handle; the process starts on Play.
func (e *CommandEngine) Load(source Source) (Handle, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("player command is required")
	}
	if source.Path == "" {
		return nil, errors.New("source path is required")
	}
	args := append(append([]string(nil), e.Command[1:]...), source.Path)
	return &commandHandle{
		name:   e.Command[0],
		args:   args,
		status: StatusStopped,
	}, nil
}

type commandHandle struct {
	mu sync.Mutex

	name string
	args []string

	cmd       *exec.Cmd
	exited    chan struct{}
	status    Status
	startedAt time.Time
	elapsed   time.Duration
}

func (h *commandHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reapLocked()
	if h.status != StatusStopped {
		return ErrInvalidState
	}

	cmd := exec.Command(h.name, h.args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	h.cmd = cmd
	h.exited = exited
	h.status = StatusPlaying
	h.startedAt = time.Now()
	h.elapsed = 0
	return nil
}

func (h *commandHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reapLocked()
	if h.status != StatusPlaying {
		return ErrInvalidState
	}
	if err := suspend(h.cmd.Process); err != nil {
		return fmt.Errorf("pause player: %w", err)
	}
	h.elapsed += time.Since(h.startedAt)
	h.status = StatusPaused
	return nil
}

func (h *commandHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reapLocked()
	if h.status != StatusPaused {
		return ErrInvalidState
	}
	if err := resume(h.cmd.Process); err != nil {
		return fmt.Errorf("resume player: %w", err)
	}
	h.startedAt = time.Now()
	h.status = StatusPlaying
	return nil
}

func (h *commandHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reapLocked()
	if h.status == StatusStopped {
		return ErrInvalidState
	}
	if h.status == StatusPaused {
		_ = resume(h.cmd.Process)
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop player: %w", err)
	}
	<-h.exited
	h.status = StatusStopped
	h.elapsed = 0
	return nil
}

func (h *commandHandle) Status() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reapLocked()
	elapsed := h.elapsed
	if h.status == StatusPlaying {
		elapsed += time.Since(h.startedAt)
	}
	return Progress{Status: h.status, Elapsed: elapsed}
}

// reapLocked moves the handle to STOPPED once the player exits on its own.
func (h *commandHandle) reapLocked() {
	if h.exited == nil || h.status == StatusStopped {
		return
	}
	select {
	case <-h.exited:
		h.status = StatusStopped
		h.elapsed = 0
	default:
	}
}
