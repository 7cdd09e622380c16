package events

import (
	"context"
	"time"
)

// Stage names a lifecycle step reported by the gateway
type Stage string

const (
	StageServerStart      Stage = "SERVER_START"
	StageServerStop       Stage = "SERVER_STOP"
	StageConnectionAccept Stage = "CONNECTION_ACCEPT"
	StageConnectionError  Stage = "CONNECTION_ERROR"
	StageGreeting         Stage = "GREETING"
	StageCommand          Stage = "COMMAND"
	StageStateChange      Stage = "STATE_CHANGE"
	StageProtocolError    Stage = "PROTOCOL_ERROR"
	StageTLSUpgrade       Stage = "TLS_UPGRADE"
	StageTLSFailure       Stage = "TLS_FAILURE"
	StageAuthSuccess      Stage = "AUTH_SUCCESS"
	StageAuthFailure      Stage = "AUTH_FAILURE"
	StageMessageStored    Stage = "MESSAGE_STORED"
	StageMessageRejected  Stage = "MESSAGE_REJECTED"
	StageStorageFailure   Stage = "STORAGE_FAILURE"
	StageMailboxAccess    Stage = "MAILBOX_ACCESS"
	StageIdleTimeout      Stage = "IDLE_TIMEOUT"
	StageTransportError   Stage = "TRANSPORT_ERROR"
	StageSessionPanic     Stage = "SESSION_PANIC"
	StageSessionClose     Stage = "SESSION_CLOSE"
)

// Event is one immutable lifecycle record. Seq is assigned by the pipeline
// and increases strictly in enqueue order.
type Event struct {
	Seq       uint64
	Protocol  string
	Stage     Stage
	Detail    string
	Data      map[string]any
	Timestamp time.Time
}

// Emitter accepts events without blocking the caller
type Emitter interface {
	Emit(protocol string, stage Stage, detail string, data map[string]any)
}

// Sink receives drained events, one at a time, in sequence order
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

type discard struct{}

func (discard) Emit(string, Stage, string, map[string]any) {}

// Discard is an Emitter that drops every event
var Discard Emitter = discard{}
