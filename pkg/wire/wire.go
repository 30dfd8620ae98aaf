// Package wire defines the duplex call protocol spoken between the client
// and server session controllers: short UTF-8 command frames, binary audio
// frames, and the reserved close codes.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a short text-frame verb exchanged on the call socket.
type Command string

// Client to server commands.
const (
	CommandStartSpeaking Command = "StartSpeaking"
	CommandStopSpeaking  Command = "StopSpeaking"
	CommandMute          Command = "Mute"
	CommandUnmute        Command = "Unmute"
)

// Server to client commands. Message and ToolCall carry a JSON payload
// separated from the verb by a single space.
const (
	CommandMessage                    Command = "Message"
	CommandToolCall                   Command = "ToolCall"
	CommandCancelLastAssistantMessage Command = "CancelLastAssistantMessage"
	CommandCancelLastUserMessage      Command = "CancelLastUserMessage"
	CommandSkipAnswer                 Command = "SkipAnswer"
	CommandEnableSpeakerStreaming     Command = "EnableSpeakerStreaming"
	CommandEndCall                    Command = "EndCall"
)

var ErrUnknownCommand = errors.New("unknown wire command")

var knownCommands = map[Command]bool{
	CommandStartSpeaking:              true,
	CommandStopSpeaking:               true,
	CommandMute:                       true,
	CommandUnmute:                     true,
	CommandMessage:                    true,
	CommandToolCall:                   true,
	CommandCancelLastAssistantMessage: true,
	CommandCancelLastUserMessage:      true,
	CommandSkipAnswer:                 true,
	CommandEnableSpeakerStreaming:     true,
	CommandEndCall:                    true,
}

// Parse splits a text frame into its command verb and optional JSON payload.
func Parse(frame string) (Command, string, error) {
	verb, payload, _ := strings.Cut(frame, " ")
	cmd := Command(verb)
	if !knownCommands[cmd] {
		return "", "", ErrUnknownCommand
	}
	return cmd, payload, nil
}

// Format renders a command plus optional payload as a text frame.
func Format(cmd Command, payload string) string {
	if payload == "" {
		return string(cmd)
	}
	return string(cmd) + " " + payload
}

// Application-reserved close codes. The 4000 range distinguishes validation
// and auth failures from the generic internal-error range (>=1011).
const (
	CloseNormal        = 1000
	CloseInternalError = 1011
	CloseBadRequest    = 4400
	CloseUnauthorized  = 4401
	CloseNotFound      = 4404
)

// CloseReason is the error form of a socket close code.
type CloseReason struct {
	Code int
}

func (e *CloseReason) Error() string {
	return fmt.Sprintf("connection closed with code %d", e.Code)
}

// Transient reports whether a close code signals an unexpected drop worth
// retrying. Codes 1001-1010, excluding 1005 (no status), are transient; an
// intentional close, the reserved 4000 range, and anything >=1011 are
// terminal.
func Transient(code int) bool {
	if code == 1005 {
		return false
	}
	return code >= 1001 && code <= 1010
}

// Terminal is the complement of Transient for valid close codes.
func Terminal(code int) bool {
	return !Transient(code)
}
