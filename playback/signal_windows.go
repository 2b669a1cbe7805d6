//go:build windows

package playback

import (
	"errors"
	"os"
)

var errSuspendUnsupported = errors.New("playback: pausing an external player is not supported on windows")

func suspend(*os.Process) error {
	return errSuspendUnsupported
}

func resume(*os.Process) error {
	return errSuspendUnsupported
}
