package engine

import (
	"encoding/json"

	logx "spider/pkg/logx"
)

// Status is the scheduler lifecycle state.
type Status int

const (
	// StatusVacant: queue empty and nothing in flight.
	StatusVacant Status = iota
	// StatusActive: dispatching.
	StatusActive
	// StatusPaused: admission allowed, dispatch stopped.
	StatusPaused
	// StatusEnding: no dispatch, draining in-flight work.
	StatusEnding
	// StatusEnded: terminal.
	StatusEnded
)

var statusNames = [...]string{"vacant", "active", "paused", "ending", "ended"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// transitions lists the allowed moves; anything else is a programming error.
var transitions = map[Status][]Status{
	StatusVacant: {StatusActive, StatusPaused, StatusEnding},
	StatusActive: {StatusVacant, StatusPaused, StatusEnding},
	StatusPaused: {StatusActive, StatusEnding},
	StatusEnding: {StatusEnded},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// setStatusLocked moves to next and publishes status.changed.
// It reports false (and logs) when the move is not allowed.
func (s *Service) setStatusLocked(next Status) bool {
	prev := s.status
	if prev == next {
		return true
	}
	if !canTransition(prev, next) {
		s.log.Error("illegal status transition", logx.String("from", prev.String()), logx.String("to", next.String()))
		return false
	}
	s.status = next
	s.log.Debug("status changed", logx.String("from", prev.String()), logx.String("to", next.String()))
	s.publish(EventStatusChanged, StatusEvent{From: prev, To: next})
	return true
}

// admitting reports whether new tasks may still enter the queue.
func (s Status) admitting() bool { return s < StatusEnding }
