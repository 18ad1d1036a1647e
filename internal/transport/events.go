package transport

import (
	"encoding/json"
	"fmt"

	"github.com/faucetdb/datum/internal/identity"
)

// Subscription types carried by change events.
const (
	SubscriptionTable  = "table"
	SubscriptionColumn = "column"
	SubscriptionRow    = "row"
	SubscriptionField  = "field"
)

// Event is a change notification pushed by the endpoint.
type Event struct {
	SubscriptionType string               `json:"subscription_type"`
	Operation        string               `json:"operation"`
	RelationID       *identity.RelationID `json:"relation_id,omitempty"`
	ColumnID         *identity.ColumnID   `json:"column_id,omitempty"`
	RowID            *identity.RowID      `json:"row_id,omitempty"`
	FieldID          *identity.FieldID    `json:"field_id,omitempty"`
	Payload          json.RawMessage      `json:"payload,omitempty"`
}

// EventHandler receives events of the subscription type it was registered
// for. Handlers run on the socket's read goroutine and must not block.
type EventHandler func(Event)

// parseEvent decodes event data, which the server may send either as an
// object or as a JSON-encoded string.
func parseEvent(data json.RawMessage) (Event, error) {
	var ev Event
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ev, fmt.Errorf("decoding event string: %w", err)
		}
		data = json.RawMessage(s)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decoding event: %w", err)
	}
	return ev, nil
}

func knownSubscription(t string) bool {
	switch t {
	case SubscriptionTable, SubscriptionColumn, SubscriptionRow, SubscriptionField:
		return true
	}
	return false
}
