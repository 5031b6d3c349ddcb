// Package services connects a call to a realtime speech-to-speech AI
// provider. Provider-specific wire formats live in the subpackages; this
// package holds the shared contract and the per-call Transport.
package services

import (
	"context"
	"errors"
)

// ErrRemoteClosed is wrapped by Conn.Receive when the provider closed the
// connection normally. The Transport does not reconnect after it.
var ErrRemoteClosed = errors.New("provider closed the connection")

// Provider opens connections to one AI backend
type Provider interface {
	// Name identifies the provider in logs
	Name() string
	// Dial opens a new, unconfigured connection
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection to a provider.
//
// SendAudio and EndTurn may be called concurrently with Receive.
type Conn interface {
	// Configure sends the session setup. The provider acknowledges it with an
	// EventReady event from Receive.
	Configure(ctx context.Context) error
	// SendAudio sends caller audio as 8kHz μ-law
	SendAudio(mulaw []byte) error
	// EndTurn signals that the caller's turn is over
	EndTurn() error
	// Receive blocks for the next provider message and returns the events it
	// carries. A message may carry none.
	Receive() ([]Event, error)
	// Close closes the connection and unblocks Receive
	Close() error
}

// EventKind identifies a provider event
type EventKind int

const (
	// EventReady acknowledges the session setup
	EventReady EventKind = iota
	// EventAudio carries model speech as 8kHz μ-law
	EventAudio
	// EventInterrupted means the caller barged in
	EventInterrupted
	// EventTurnComplete means the model finished its response
	EventTurnComplete
	// EventTranscript carries caller or model text
	EventTranscript
	// EventError reports a provider-side error that did not close the connection
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is a provider message normalized for the Transport
type Event struct {
	Kind  EventKind
	Audio []byte // EventAudio: μ-law 8kHz
	Text  string // EventTranscript
	Role  string // EventTranscript: RoleUser or RoleAssistant
	Err   error  // EventError
}
