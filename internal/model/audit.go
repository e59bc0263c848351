package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	ActorID    string          `json:"actor_id" db:"actor_id"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Changes    json.RawMessage `json:"changes,omitempty" db:"changes"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	RequestID  string          `json:"request_id,omitempty" db:"request_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

const (
	// Action types
	AuditActionCreate     = "create"
	AuditActionUpdate     = "update"
	AuditActionDelete     = "delete"
	AuditActionOccupy     = "occupy"
	AuditActionEnd        = "end"
	AuditActionCancel     = "cancel"
	AuditActionTransfer   = "transfer"
	AuditActionRetire     = "retire"
	AuditActionReactivate = "reactivate"
	AuditActionTransition = "transition"

	// Entity types
	AuditEntityResource    = "resource"
	AuditEntityAssignment  = "assignment"
	AuditEntityAppointment = "appointment"
)

// FieldChange records one column before and after an update.
type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}
