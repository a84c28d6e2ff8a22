package events

import (
	"encoding/json"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
)

// Type names one engine event. The set is closed; consumers switch on it.
type Type string

const (
	FlowStarted        Type = "flow_started"
	StageStarted       Type = "stage_started"
	StageCompleted     Type = "stage_completed"
	TransitionRecorded Type = "transition_recorded"
	RetryScheduled     Type = "retry_scheduled"
	CircuitOpened      Type = "circuit_opened"
	CircuitClosed      Type = "circuit_closed"
	ReviewRequested    Type = "review_requested"
	ReviewDecided      Type = "review_decided"
	FlowCompleted      Type = "flow_completed"
	FlowFailed         Type = "flow_failed"
	Warning            Type = "warning"
)

// Event is one entry on the run's event stream. Fields carries
// event-specific keys; on the wire they are flattened into the same JSON
// object as the fixed keys, one object per line (events.ndjson).
type Event struct {
	TS     time.Time
	Type   Type
	FlowID string
	Stage  stage.Stage
	Fields map[string]any
}

// reserved keys always win over Fields entries of the same name.
func (e Event) wireMap() map[string]any {
	m := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["ts"] = e.TS.UTC().Format(time.RFC3339Nano)
	m["event"] = string(e.Type)
	if e.FlowID != "" {
		m["flow_id"] = e.FlowID
	}
	if e.Stage != "" {
		m["stage"] = string(e.Stage)
	}
	return m
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wireMap())
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	out := Event{Fields: map[string]any{}}
	for k, v := range m {
		switch k {
		case "ts":
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					out.TS = ts
				}
			}
		case "event":
			if s, ok := v.(string); ok {
				out.Type = Type(s)
			}
		case "flow_id":
			if s, ok := v.(string); ok {
				out.FlowID = s
			}
		case "stage":
			if s, ok := v.(string); ok {
				if st, err := stage.Parse(s); err == nil {
					out.Stage = st
				}
			}
		default:
			out.Fields[k] = v
		}
	}
	*e = out
	return nil
}

// Field returns a named extra field, or nil.
func (e Event) Field(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}
