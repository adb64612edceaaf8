package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator of a TaskEvent payload
type EventType string

const (
	EventCreated            EventType = "created"
	EventAssigned           EventType = "assigned"
	EventAssignmentRejected EventType = "assignment_rejected"
	EventStatusUpdate       EventType = "status_update"
	EventCompleted          EventType = "completed"
)

// Completion types recorded on completed events
const (
	CompletionAutoSensed     = "auto_sensed"
	CompletionDriverReported = "driver_reported"
)

// EventPayload tagged payload; the concrete type is fixed by EventType
type EventPayload interface {
	EventType() EventType
}

// CreatedPayload task creation
type CreatedPayload struct {
	Source    string       `json:"source"` // "threshold" or "manual"
	FillLevel float64      `json:"fill_level"`
	Priority  TaskPriority `json:"priority"`
	Notes     string       `json:"notes,omitempty"`
}

// AssignedPayload successful selection
type AssignedPayload struct {
	DriverID   string   `json:"driver_id"`
	DriverName string   `json:"driver_name,omitempty"`
	DistanceKm *float64 `json:"distance,omitempty"`
	Workload   *int     `json:"workload,omitempty"`
	Method     string   `json:"method"`
	Reason     string   `json:"reason,omitempty"`
}

// AssignmentRejectedPayload attempt that produced no valid selection
type AssignmentRejectedPayload struct {
	Method         string `json:"method"`
	Reason         string `json:"reason"`
	CandidateCount int    `json:"candidate_count"`
}

// StatusUpdatePayload driver or operator transition
type StatusUpdatePayload struct {
	From     TaskStatus `json:"from"`
	To       TaskStatus `json:"to"`
	Notes    string     `json:"notes,omitempty"`
	PhotoURL string     `json:"photo_url,omitempty"`
}

// CompletedPayload task completion, sensed or reported
type CompletedPayload struct {
	CompletionType string   `json:"completion_type"`
	FinalFillLevel *float64 `json:"final_fill_level,omitempty"`
	Note           string   `json:"note,omitempty"`
	PhotoURL       string   `json:"photo_url,omitempty"`
}

func (CreatedPayload) EventType() EventType            { return EventCreated }
func (AssignedPayload) EventType() EventType           { return EventAssigned }
func (AssignmentRejectedPayload) EventType() EventType { return EventAssignmentRejected }
func (StatusUpdatePayload) EventType() EventType       { return EventStatusUpdate }
func (CompletedPayload) EventType() EventType          { return EventCompleted }

// TaskEvent immutable audit record (task_events table).
// BinID and SocietyID are denormalized from the task for filtering.
type TaskEvent struct {
	EventID   string       `json:"event_id" db:"event_id"`
	TaskID    string       `json:"task_id" db:"task_id"`
	BinID     string       `json:"bin_id" db:"bin_id"`
	SocietyID string       `json:"society_id" db:"society_id"`
	Type      EventType    `json:"event_type" db:"event_type"`
	Payload   EventPayload `json:"payload" db:"payload"`
	Actor     string       `json:"actor" db:"actor"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// EncodePayload serializes a payload for the JSONB column
func EncodePayload(p EventPayload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}
	return b, nil
}

// DecodePayload restores the concrete payload for t
func DecodePayload(t EventType, raw []byte) (EventPayload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventCreated:
		var v CreatedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventAssigned:
		var v AssignedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventAssignmentRejected:
		var v AssignmentRejectedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventStatusUpdate:
		var v StatusUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventCompleted:
		var v CompletedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
	}
	return p, nil
}
