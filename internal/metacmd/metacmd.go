// Package metacmd recognizes session-control directives at the start of a
// chat turn's raw input, dispatched before anything is sent to a model.
// The closed-enum-with-payload shape follows internal/gate's GateSpec:
// one Kind discriminator plus the fields relevant to that kind.
package metacmd

import (
	"strconv"
	"strings"
)

// Kind enumerates the recognized meta-commands.
type Kind string

const (
	KindStatus     Kind = "status"
	KindCheckpoint Kind = "checkpoint"
	KindRestore    Kind = "restore"
	KindPin        Kind = "pin"
	KindHistory    Kind = "history"
)

const defaultHistoryCount = 20

// Command is a parsed meta-command. Only the fields relevant to Kind are
// populated.
type Command struct {
	Kind Kind

	// Checkpoint
	Label string

	// Restore
	CheckpointID string // empty means "latest"

	// Pin
	MessageID string

	// History
	Count int
}

// ParseError is returned for a recognized command missing a required
// argument.
type ParseError struct {
	Kind   Kind
	Reason string
}

func (e *ParseError) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

// Parse recognizes a command at the start of input when it begins with
// "/", case-insensitively. Non-matching input returns (nil, nil); the
// caller should treat it as a normal chat message. A recognized command
// missing a required argument returns a non-nil error.
func Parse(input string) (*Command, error) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, nil
	}

	fields := strings.Fields(trimmed)
	name := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))

	switch name {
	case "/status":
		return &Command{Kind: KindStatus}, nil

	case "/checkpoint":
		return &Command{Kind: KindCheckpoint, Label: rest}, nil

	case "/restore":
		return &Command{Kind: KindRestore, CheckpointID: rest}, nil

	case "/pin":
		if rest == "" {
			return nil, &ParseError{Kind: KindPin, Reason: "requires a message id"}
		}
		return &Command{Kind: KindPin, MessageID: rest}, nil

	case "/history":
		count := defaultHistoryCount
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return nil, &ParseError{Kind: KindHistory, Reason: "count must be a positive integer"}
			}
			count = n
		}
		return &Command{Kind: KindHistory, Count: count}, nil

	default:
		return nil, nil
	}
}
