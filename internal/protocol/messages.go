package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command is a control request from the host.
type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	CommandQuit  Command = "quit"
)

// ControlRequest is the JSON form of a command, accepted on stdin and on the
// control subject.
type ControlRequest struct {
	Command Command `json:"command"`
}

// ControlReply answers a request received on the control subject.
type ControlReply struct {
	OK        bool   `json:"ok"`
	Listening bool   `json:"listening"`
	Error     string `json:"error,omitempty"`
}

var ErrEmptyCommand = errors.New("empty command")

// ParseCommand accepts a bare word ("start") or a JSON object
// ({"command":"start"}). Surrounding whitespace and case are ignored.
func ParseCommand(raw []byte) (Command, error) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return "", ErrEmptyCommand
	}
	word := line
	if strings.HasPrefix(line, "{") {
		var req ControlRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return "", fmt.Errorf("decode control request: %w", err)
		}
		word = string(req.Command)
	}
	cmd := Command(strings.ToLower(strings.TrimSpace(word)))
	switch cmd {
	case CommandStart, CommandStop, CommandQuit:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown command %q", word)
	}
}

// Subjects are derived from a configurable prefix, "transcriber" by default.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return "transcriber"
	}
	return s.Prefix
}

// Control is the request/reply subject for commands.
func (s Subjects) Control() string { return s.prefix() + ".ctrl" }

// Event is the subject an event of the given kind is mirrored to,
// e.g. transcriber.events.final.
func (s Subjects) Event(kind string) string { return s.prefix() + ".events." + kind }

// AllEvents matches every mirrored event.
func (s Subjects) AllEvents() string { return s.prefix() + ".events.>" }
