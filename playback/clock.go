package playback

import (
	"sync"
	"time"
)

// ClockEngine tracks transport state and elapsed time without producing audio.
// It backs headless runs and tests.
type ClockEngine struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// BytesPerSecond estimates Total from Source.Size when positive.
	BytesPerSecond int64
}

// Load returns a stopped handle for source.
func (e *ClockEngine) Load(source Source) (Handle, error) {
	now := e.Now
	if now == nil {
		now = time.Now
	}

	var total time.Duration
	if e.BytesPerSecond > 0 && source.Size > 0 {
		total = time.Duration(source.Size * int64(time.Second) / e.BytesPerSecond)
	}

	return &clockHandle{
		now:    now,
		total:  total,
		status: StatusStopped,
	}, nil
}

type clockHandle struct {
	mu sync.Mutex

	now   func() time.Time
	total time.Duration

	status    Status
	startedAt time.Time
	elapsed   time.Duration
}

func (h *clockHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == StatusPlaying {
		return ErrInvalidState
	}
	if h.status == StatusStopped {
		h.elapsed = 0
	}
	h.status = StatusPlaying
	h.startedAt = h.now()
	return nil
}

func (h *clockHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusPlaying {
		return ErrInvalidState
	}
	h.elapsed += h.now().Sub(h.startedAt)
	h.status = StatusPaused
	return nil
}

func (h *clockHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusPaused {
		return ErrInvalidState
	}
	h.status = StatusPlaying
	h.startedAt = h.now()
	return nil
}

func (h *clockHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == StatusStopped {
		return ErrInvalidState
	}
	h.status = StatusStopped
	h.elapsed = 0
	return nil
}

func (h *clockHandle) Status() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()

	elapsed := h.elapsed
	if h.status == StatusPlaying {
		elapsed += h.now().Sub(h.startedAt)
	}
	if h.total > 0 && elapsed >= h.total && h.status == StatusPlaying {
		h.status = StatusStopped
		h.elapsed = 0
		return Progress{Status: StatusStopped, Total: h.total}
	}
	return Progress{Status: h.status, Elapsed: elapsed, Total: h.total}
}
