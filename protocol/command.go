package protocol

import (
	"fmt"
	"strings"
)

type Command string

const (
	SUBSCRIBE    Command = "SUBSCRIBE"
	UNSUBSCRIBE  Command = "UNSUBSCRIBE"
	PSUBSCRIBE   Command = "PSUBSCRIBE"
	PUNSUBSCRIBE Command = "PUNSUBSCRIBE"
	PUBLISH      Command = "PUBLISH"
	PING         Command = "PING"
)

// arity is the minimum and maximum number of arguments for each command,
// -1 meaning unbounded.
var arity = map[Command][2]int{
	SUBSCRIBE:    {1, -1},
	UNSUBSCRIBE:  {0, -1},
	PSUBSCRIBE:   {1, -1},
	PUNSUBSCRIBE: {0, -1},
	PUBLISH:      {2, 2},
	PING:         {0, 1},
}

// ParseCommand returns the Command for a name, ignoring case and surrounding
// whitespace.
func ParseCommand(name string) (Command, error) {
	cmd := Command(strings.ToUpper(strings.TrimSpace(name)))
	if !cmd.Valid() {
		return "", fmt.Errorf("'%s': %w", name, ErrUnknownCommand)
	}

	return cmd, nil
}

func (c Command) Valid() bool {
	_, ok := arity[c]
	return ok
}

// IsSubscription reports whether the command changes subscription state.
func (c Command) IsSubscription() bool {
	switch c {
	case SUBSCRIBE, UNSUBSCRIBE, PSUBSCRIBE, PUNSUBSCRIBE:
		return true
	}
	return false
}

// CheckArgs validates the number of arguments for the command.
func (c Command) CheckArgs(n int) error {
	bounds, ok := arity[c]
	if !ok {
		return fmt.Errorf("'%s': %w", string(c), ErrUnknownCommand)
	}

	if n < bounds[0] || (bounds[1] >= 0 && n > bounds[1]) {
		return fmt.Errorf("'%s' given %d: %w", string(c), n, ErrWrongArgCount)
	}

	return nil
}
