package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table identifies a watched record type.
type Table string

const (
	TableVehicles      Table = "vehicles"
	TableInterventions Table = "interventions"
)

// Tables lists every watched record type in the order channels are opened.
var Tables = []Table{TableVehicles, TableInterventions}

// String returns the string representation of the table.
func (t Table) String() string {
	return string(t)
}

// IsValid checks whether the table is a known value.
func (t Table) IsValid() bool {
	switch t {
	case TableVehicles, TableInterventions:
		return true
	}
	return false
}

// RemoteName is the relation name on the backend.
func (t Table) RemoteName() string {
	switch t {
	case TableVehicles:
		return "Veicoli"
	case TableInterventions:
		return "Interventi"
	}
	return ""
}

// ChannelName is the realtime channel topic used for the table.
func (t Table) ChannelName() string {
	switch t {
	case TableVehicles:
		return "vehicle_changes"
	case TableInterventions:
		return "maintenance_changes"
	}
	return ""
}

// TableFromRemote maps a backend relation name back to a Table.
func TableFromRemote(name string) (Table, bool) {
	for _, t := range Tables {
		if t.RemoteName() == name {
			return t, true
		}
	}
	return "", false
}

// OwnerColumn is the column every watched relation is filtered on.
const OwnerColumn = "utente_id"

// Operation is the kind of row change.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	return string(o)
}

// IsValid checks whether the operation is a known value.
func (o Operation) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation accepts the upper or lower case wire spelling.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "INSERT", "insert":
		return OpInsert, nil
	case "UPDATE", "update":
		return OpUpdate, nil
	case "DELETE", "delete":
		return OpDelete, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// ChangeEvent is a transient notification that a watched row changed.
// It is never persisted by the core.
type ChangeEvent struct {
	Table     Table           `json:"table"`
	Operation Operation       `json:"operation"`
	RecordID  string          `json:"record_id"`
	Payload   json.RawMessage `json:"payload,omitempty"` // nil for deletes
	Timestamp time.Time       `json:"timestamp"`

	// OwnerID is the identity the delivering channel was filtered to.
	OwnerID string `json:"owner_id"`
}

// Vehicle decodes the payload as a vehicle snapshot.
func (e ChangeEvent) Vehicle() (*Vehicle, error) {
	if e.Table != TableVehicles {
		return nil, fmt.Errorf("event for %s is not a vehicle", e.Table)
	}
	if len(e.Payload) == 0 {
		return nil, nil
	}
	var v Vehicle
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return nil, fmt.Errorf("decoding vehicle: %w", err)
	}
	return &v, nil
}

// Intervention decodes the payload as a maintenance intervention snapshot.
func (e ChangeEvent) Intervention() (*Intervention, error) {
	if e.Table != TableInterventions {
		return nil, fmt.Errorf("event for %s is not an intervention", e.Table)
	}
	if len(e.Payload) == 0 {
		return nil, nil
	}
	var in Intervention
	if err := json.Unmarshal(e.Payload, &in); err != nil {
		return nil, fmt.Errorf("decoding intervention: %w", err)
	}
	return &in, nil
}
