package order

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Event is the broadcast form of a single audit entry.
type Event struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	TxHash    string    `json:"txHash,omitempty"`
}

// NewEvent builds the event published for entry.
func NewEvent(orderID string, entry LogEntry, txHash string) Event {
	return Event{
		OrderID:   orderID,
		Status:    entry.Status,
		Timestamp: entry.Timestamp,
		Message:   entry.Message,
		TxHash:    txHash,
	}
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("order: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses and validates an event payload.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("order: decode event: %w", err)
	}
	if strings.TrimSpace(evt.OrderID) == "" {
		return Event{}, fmt.Errorf("order: decode event: orderId missing")
	}
	if !evt.Status.Valid() {
		return Event{}, fmt.Errorf("order: decode event: unknown status %q", evt.Status)
	}
	return evt, nil
}
