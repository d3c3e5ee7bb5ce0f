// Package push delivers backend change notifications to rosters. Clients
// are constructed per consumer; there is no package-level connection.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event names. They must match the backend exactly.
const (
	AttendanceUpdated  = "attendance:updated"
	EmployeeRegistered = "employee:registered"
	EmployeeUpdated    = "employee:updated"
	StudentAdded       = "student:added"
	StudentUpdated     = "student:updated"
	StudentDeleted     = "student:deleted"
	ClassAdded         = "class:added"
	ClassUpdated       = "class:updated"
	ClassDeleted       = "class:deleted"
)

// Event is one named notification with its raw JSON payload.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an Event.
func NewEvent(name string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Payload: b}, nil
}

var errBadFrame = errors.New("bad event frame")

// decodeEnvelope reads the {"event":..., "payload":...} form used on Redis.
func decodeEnvelope(b []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(b, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if evt.Name == "" {
		return Event{}, fmt.Errorf("%w: missing event name", errBadFrame)
	}
	return evt, nil
}

// decodeSocketIOArgs reads the ["name", payload] array of a Socket.IO EVENT packet.
func decodeSocketIOArgs(b []byte) (Event, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(b, &args); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if len(args) == 0 {
		return Event{}, fmt.Errorf("%w: empty args", errBadFrame)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return Event{}, fmt.Errorf("%w: event name", errBadFrame)
	}
	evt := Event{Name: name}
	if len(args) > 1 {
		evt.Payload = args[1]
	}
	return evt, nil
}
