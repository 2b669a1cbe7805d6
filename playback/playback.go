// Package playback models the media player the client hands transfers to.
package playback

import (
	"errors"
	"fmt"
	"time"
)

// Status is a player transport state.
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusPlaying Status = "PLAYING"
	StatusPaused  Status = "PAUSED"
)

// ErrInvalidState indicates a transport command that does not apply to the
// handle's current state.
var ErrInvalidState = errors.New("playback: invalid state for command")

// Source is a local byte source the engine can open. Path may still be
// growing when progressive playback is enabled.
type Source struct {
	Name string
	Path string
	// Size is the advertised byte size, or 0 when unknown.
	Size int64
}

// Progress is a status snapshot.
type Progress struct {
	Status  Status
	Elapsed time.Duration
	// Total is zero when the engine cannot tell the duration.
	Total time.Duration
}

// Engine loads sources into playable handles.
type Engine interface {
	Load(source Source) (Handle, error)
}

// Handle controls one loaded source.
type Handle interface {
	Play() error
	Pause() error
	Resume() error
	Stop() error
	Status() Progress
}

// FormatClock renders a duration as mm:ss.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
