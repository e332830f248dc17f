/*
Package event defines the JSON frames exchanged with observers over the real-time channel.

Outbound frames (server->observer) are a closed set of types implementing Event. Each marshals as a flat JSON object with a "type" discriminator plus exactly its own fields. Inbound frames (observer->server) are a separate closed set implementing Request, decoded with DecodeRequest.
*/
package event

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeWelcome        Type = "welcome"
	TypeSubscribed     Type = "subscribed"
	TypeUnsubscribed   Type = "unsubscribed"
	TypeStarted        Type = "started"
	TypeOutput         Type = "output"
	TypeError          Type = "error"
	TypeComplete       Type = "complete"
	TypeServerShutdown Type = "server_shutdown"
	TypePong           Type = "pong"

	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePing        Type = "ping"
)

// Event is an outbound frame.
type Event interface {
	Type() Type
	// ExecutionID is the execution the event concerns, or "" for global events.
	ExecutionID() string
}

type global struct{}

func (global) ExecutionID() string { return "" }

type Welcome struct {
	global
	ClientID   string `json:"clientId"`
	ServerPort int    `json:"serverPort"`
}

func (Welcome) Type() Type { return TypeWelcome }

func (e Welcome) MarshalJSON() ([]byte, error) {
	type fields Welcome
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

type Subscribed struct {
	Execution string `json:"executionId"`
}

func (Subscribed) Type() Type            { return TypeSubscribed }
func (e Subscribed) ExecutionID() string { return e.Execution }

func (e Subscribed) MarshalJSON() ([]byte, error) {
	type fields Subscribed
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

type Unsubscribed struct {
	Execution string `json:"executionId"`
}

func (Unsubscribed) Type() Type            { return TypeUnsubscribed }
func (e Unsubscribed) ExecutionID() string { return e.Execution }

func (e Unsubscribed) MarshalJSON() ([]byte, error) {
	type fields Unsubscribed
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

// Started is emitted once the process for an execution has been spawned.
type Started struct {
	Execution string `json:"executionId"`
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
}

func (Started) Type() Type            { return TypeStarted }
func (e Started) ExecutionID() string { return e.Execution }

func (e Started) MarshalJSON() ([]byte, error) {
	type fields Started
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

// Output is one chunk read from the process's stdout.
type Output struct {
	Execution string `json:"executionId"`
	Data      string `json:"data"`
}

func (Output) Type() Type            { return TypeOutput }
func (e Output) ExecutionID() string { return e.Execution }

func (e Output) MarshalJSON() ([]byte, error) {
	type fields Output
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

// Error is one chunk read from the process's stderr.
// It is also sent without an execution ID to reject a malformed request.
type Error struct {
	Execution string `json:"executionId,omitempty"`
	Data      string `json:"data"`
}

func (Error) Type() Type            { return TypeError }
func (e Error) ExecutionID() string { return e.Execution }

func (e Error) MarshalJSON() ([]byte, error) {
	type fields Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

// Complete is the terminal event of an execution. Duration is in milliseconds.
type Complete struct {
	Execution string `json:"executionId"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exitCode"`
	Duration  int64  `json:"duration"`
}

func (Complete) Type() Type            { return TypeComplete }
func (e Complete) ExecutionID() string { return e.Execution }

func (e Complete) MarshalJSON() ([]byte, error) {
	type fields Complete
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

type ServerShutdown struct {
	global
	Message string `json:"message"`
}

func (ServerShutdown) Type() Type { return TypeServerShutdown }

func (e ServerShutdown) MarshalJSON() ([]byte, error) {
	type fields ServerShutdown
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

// Pong answers a ping. Timestamp is in Unix milliseconds.
type Pong struct {
	global
	Timestamp int64 `json:"timestamp"`
}

func (Pong) Type() Type { return TypePong }

func NewPong(t time.Time) Pong { return Pong{Timestamp: t.UnixMilli()} }

func (e Pong) MarshalJSON() ([]byte, error) {
	type fields Pong
	return json.Marshal(struct {
		Type Type `json:"type"`
		fields
	}{e.Type(), fields(e)})
}

// Frame is a flat decoding target for any outbound event, for use by clients.
type Frame struct {
	Type        Type   `json:"type"`
	ExecutionID string `json:"executionId,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	ServerPort  int    `json:"serverPort,omitempty"`
	CommandID   string `json:"commandId,omitempty"`
	Command     string `json:"command,omitempty"`
	Data        string `json:"data,omitempty"`
	Status      string `json:"status,omitempty"`
	ExitCode    int    `json:"exitCode"`
	Duration    int64  `json:"duration,omitempty"`
	Message     string `json:"message,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}
