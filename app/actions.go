package app

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownAction indicates operator input that is not an action token.
	ErrUnknownAction = errors.New("app: unknown action")
	// ErrPeerNotFound indicates a target identity absent from the last snapshot.
	ErrPeerNotFound = errors.New("app: peer not found")
	// ErrFileNotFound indicates a file name absent from the target's catalog.
	ErrFileNotFound = errors.New("app: file not found")
)

// Action is an operator command token.
type Action string

const (
	ActionListActions Action = "LIST_ACTIONS"
	ActionGetClients  Action = "GET_CLIENTS"
	ActionPlay        Action = "PLAY"
	ActionStop        Action = "STOP"
	ActionPause       Action = "PAUSE"
	ActionResume      Action = "RESUME"
	ActionNowPlaying  Action = "NOW_PLAYING"
	ActionHistory     Action = "HISTORY"
	ActionBye         Action = "BYE"
)

var availableActions = []Action{
	ActionListActions,
	ActionGetClients,
	ActionPlay,
	ActionStop,
	ActionPause,
	ActionResume,
	ActionNowPlaying,
	ActionHistory,
	ActionBye,
}

// ParseAction canonicalizes one line of operator input; matching is case-insensitive.
func ParseAction(line string) (Action, error) {
	token := Action(strings.ToUpper(strings.TrimSpace(line)))
	for _, action := range availableActions {
		if token == action {
			return action, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, strings.TrimSpace(line))
}
