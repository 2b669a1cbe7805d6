package network

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a canonical session protocol command token.
type Command string

const (
	CommandHello      Command = "HELLO"
	CommandGetClients Command = "GET_CLIENTS"
	CommandBye        Command = "BYE"
)

// ErrUnknownCommand indicates a frame that is not a session command.
var ErrUnknownCommand = errors.New("network: unknown command")

// ParseCommand canonicalizes a command token; matching is case-insensitive.
func ParseCommand(text string) (Command, error) {
	switch cmd := Command(strings.ToUpper(strings.TrimSpace(text))); cmd {
	case CommandHello, CommandGetClients, CommandBye:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}
}
