// Package action defines the Action entity, its lifecycle status
// machine, the configuration records harvested by the metadata
// ingestor, and the in-memory handler registry.
package action

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/id"
)

// Status represents the lifecycle status of an action.
type Status string

const (
	// StatusUnpublished means the action exists only in the publisher's
	// memory and has not been written to the store.
	StatusUnpublished Status = "Unpublished"
	// StatusPending means the action is enqueued and waiting for a worker.
	StatusPending Status = "Pending"
	// StatusProcessing means a worker has claimed the action.
	StatusProcessing Status = "Processing"
	// StatusCompleted means the handler finished successfully.
	StatusCompleted Status = "Completed"
	// StatusFailed means the handler or the dispatcher failed.
	StatusFailed Status = "Failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the status graph allows moving to next.
// The graph is Unpublished → Pending → Processing → {Completed, Failed};
// failure is also reachable straight from Pending when the action's
// configuration cannot be loaded, before Processing is persisted.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusUnpublished:
		return next == StatusPending
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Meta carries the action's timestamps and origin.
type Meta struct {
	nucleus.Entity
	nucleus.Origin
}

// Action is a named unit of work with a message payload and a
// correlated response.
type Action struct {
	ID              id.ActionID
	Name            string
	OriginalMessage map[string]any
	FinalMessage    map[string]any
	Status          Status
	Meta            Meta
}

// New creates a fresh, unpublished action with a generated identifier.
func New(name string, message map[string]any, origin nucleus.Origin) *Action {
	if message == nil {
		message = map[string]any{}
	}
	return &Action{
		ID:              id.NewActionID(),
		Name:            name,
		OriginalMessage: message,
		Status:          StatusUnpublished,
		Meta: Meta{
			Entity: nucleus.NewEntity(),
			Origin: origin,
		},
	}
}

// Key returns the store key for this action: Action:<name>:<id>.
func (a *Action) Key() string {
	return "Action:" + a.Name + ":" + a.ID.String()
}

// UpdateStatus transitions the action along the status graph,
// refreshing the updated timestamp. Terminal statuses are immutable.
func (a *Action) UpdateStatus(next Status) error {
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s → %s for action %s",
			nucleus.ErrInvalidStateTransition, a.Status, next, a.ID)
	}
	a.Status = next
	a.Meta.Touch()
	return nil
}

// UpdateMessage replaces the final message and refreshes the updated
// timestamp.
func (a *Action) UpdateMessage(message map[string]any) {
	a.FinalMessage = message
	a.Meta.Touch()
}

// ToMap produces the stringified flat form stored in the action hash.
// Nested messages are JSON-encoded; timestamps use RFC3339Nano.
func (a *Action) ToMap() map[string]string {
	m := map[string]string{
		"id":                 a.ID.String(),
		"name":               a.Name,
		"status":             string(a.Status),
		"original_message":   marshalJSON(a.OriginalMessage),
		"final_message":      marshalJSON(a.FinalMessage),
		"created_at":         a.Meta.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         a.Meta.UpdatedAt.Format(time.RFC3339Nano),
		"origin_engine_id":   a.Meta.EngineID,
		"origin_engine_name": a.Meta.EngineName,
		"origin_process_id":  strconv.Itoa(a.Meta.ProcessID),
		"origin_user_id":     a.Meta.UserID,
	}
	return m
}

// FromMap rehydrates an Action from a flat hash read from the store.
func FromMap(m map[string]string) (*Action, error) {
	aID, err := id.ParseActionID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("action: rehydrate: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted store data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted store data
	processID, _ := strconv.Atoi(m["origin_process_id"])          //nolint:errcheck // best-effort parse from trusted store data

	return &Action{
		ID:              aID,
		Name:            m["name"],
		OriginalMessage: unmarshalMessage(m["original_message"]),
		FinalMessage:    unmarshalMessage(m["final_message"]),
		Status:          Status(m["status"]),
		Meta: Meta{
			Entity: nucleus.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
			Origin: nucleus.Origin{
				EngineID:   m["origin_engine_id"],
				EngineName: m["origin_engine_name"],
				ProcessID:  processID,
				UserID:     m["origin_user_id"],
			},
		},
	}, nil
}

// LocalOrigin builds an Origin for actions published by this process.
func LocalOrigin(engineID, engineName, userID string) nucleus.Origin {
	return nucleus.Origin{
		EngineID:   engineID,
		EngineName: engineName,
		ProcessID:  os.Getpid(),
		UserID:     userID,
	}
}

func marshalJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	b, _ := json.Marshal(v) //nolint:errcheck // marshal cannot fail for JSON-decoded message maps
	return string(b)
}

func unmarshalMessage(s string) map[string]any {
	if s == "" || s == "null" {
		return map[string]any{}
	}
	out := make(map[string]any)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted store data
	return out
}
