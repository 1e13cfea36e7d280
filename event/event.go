// Package event defines the Event entity published on named channels
// by action handlers and by the dispatcher's status machine.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/id"
)

// Event is a named, free-form message. Events are fan-out only; there
// is no correlation and no reply.
type Event struct {
	ID      id.EventID
	Name    string
	Message map[string]any
	Meta    Meta
}

// Meta carries the event's timestamps and origin engine.
type Meta struct {
	nucleus.Entity
	OriginEngineID string `json:"origin_engine_id"`
}

// New creates a fresh event with a generated identifier.
func New(name string, message map[string]any, originEngineID string) *Event {
	if message == nil {
		message = map[string]any{}
	}
	return &Event{
		ID:      id.NewEventID(),
		Name:    name,
		Message: message,
		Meta: Meta{
			Entity:         nucleus.NewEntity(),
			OriginEngineID: originEngineID,
		},
	}
}

// Key returns the store key for this event: Event:<name>:<id>.
func (e *Event) Key() string {
	return "Event:" + e.Name + ":" + e.ID.String()
}

// ToMap produces the stringified flat form stored in the event hash.
func (e *Event) ToMap() map[string]string {
	msg, _ := json.Marshal(e.Message) //nolint:errcheck // marshal cannot fail for JSON-decoded message maps
	return map[string]string{
		"id":               e.ID.String(),
		"name":             e.Name,
		"message":          string(msg),
		"created_at":       e.Meta.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       e.Meta.UpdatedAt.Format(time.RFC3339Nano),
		"origin_engine_id": e.Meta.OriginEngineID,
	}
}

// FromMap rehydrates an Event from a flat hash read from the store.
func FromMap(m map[string]string) (*Event, error) {
	eID, err := id.ParseEventID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("event: rehydrate: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted store data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted store data

	message := map[string]any{}
	if s := m["message"]; s != "" && s != "null" {
		_ = json.Unmarshal([]byte(s), &message) //nolint:errcheck // best-effort parse from trusted store data
	}

	return &Event{
		ID:      eID,
		Name:    m["name"],
		Message: message,
		Meta: Meta{
			Entity:         nucleus.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
			OriginEngineID: m["origin_engine_id"],
		},
	}, nil
}

// MarshalWire serializes the event for pub/sub transport.
func (e *Event) MarshalWire() ([]byte, error) {
	return json.Marshal(struct {
		ID      string         `json:"id"`
		Name    string         `json:"name"`
		Message map[string]any `json:"message"`
		Meta    Meta           `json:"meta"`
	}{e.ID.String(), e.Name, e.Message, e.Meta})
}

// UnmarshalWire parses an event from its pub/sub transport form.
func UnmarshalWire(data []byte) (*Event, error) {
	var w struct {
		ID      string         `json:"id"`
		Name    string         `json:"name"`
		Message map[string]any `json:"message"`
		Meta    Meta           `json:"meta"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("event: unmarshal wire form: %w", err)
	}
	eID, err := id.ParseEventID(w.ID)
	if err != nil {
		return nil, fmt.Errorf("event: unmarshal wire form: %w", err)
	}
	if w.Message == nil {
		w.Message = map[string]any{}
	}
	return &Event{ID: eID, Name: w.Name, Message: w.Message, Meta: w.Meta}, nil
}
