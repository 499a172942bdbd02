package messages

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// OrderEvent is published to the order events topic on every status change.
// The message key is the order id, so one order's events stay ordered.
type OrderEvent struct {
	EventID  string    `json:"event_id"`
	OrderID  string    `json:"order_id"`
	Status   string    `json:"status"`
	Previous string    `json:"previous,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	Source   string    `json:"source,omitempty"`
	At       time.Time `json:"at"`
}

func (e OrderEvent) Key() []byte { return []byte(e.OrderID) }

func (e OrderEvent) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	return b, errors.Wrap(err, "marshal order event")
}

func UnmarshalOrderEvent(b []byte) (OrderEvent, error) {
	var e OrderEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return OrderEvent{}, errors.Wrap(err, "unmarshal order event")
	}
	if e.OrderID == "" {
		return OrderEvent{}, errors.New("order event without order_id")
	}
	return e, nil
}
