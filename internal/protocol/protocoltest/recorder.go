// Package protocoltest provides helpers for driving protocol sessions in
// tests.
package protocoltest

import (
	"sync"

	"github.com/mikey/secure-mail-gateway/internal/events"
)

// Recorded is one captured event
type Recorded struct {
	Protocol string
	Stage    events.Stage
	Detail   string
	Data     map[string]any
}

// Recorder is an Emitter that keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Emit implements events.Emitter
func (r *Recorder) Emit(protocol string, stage events.Stage, detail string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Protocol: protocol, Stage: stage, Detail: detail, Data: data})
}

// Events returns a copy of the captured events
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Stages returns the stage of every captured event in order
func (r *Recorder) Stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Stage, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Stage
	}
	return out
}

// Count returns how many events with stage were captured
func (r *Recorder) Count(stage events.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Stage == stage {
			n++
		}
	}
	return n
}

// Has reports whether an event with stage and detail was captured
func (r *Recorder) Has(stage events.Stage, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Stage == stage && ev.Detail == detail {
			return true
		}
	}
	return false
}
