package realtime

import (
	"encoding/json"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

// Envelope is one text frame on the wire: {"event": "...", "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", event)
	}
	env.Data = b
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Event)
	}
	return nil
}

// Driver -> server.
const (
	EventAuthenticate      = "authenticate"
	EventJoinRoom          = "join_room"
	EventUpdateLocation    = "update_location"
	EventSetAvailability   = "set_availability"
	EventRespondToOrder    = "respond_to_order"
	EventOrderStatusUpdate = "order_status_update"
)

// Server -> clients.
const (
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"
	EventDeliveryRequest     = "delivery_request"
	EventLocationUpdated     = "location_updated"
	EventLocationError       = "location_error"
	EventAutoOffline         = "auto_offline"
	EventDriverArrivedPickup = "driver_arrived_pickup"
	EventPickupVerified      = "pickup_verified"
	EventDeliveryCompleted   = "delivery_completed"
	EventError               = "error"
)

func PartnerRoom(partnerID string) string { return "partner:" + partnerID }

func OrderRoom(orderID string) string { return "order:" + orderID }

type AuthenticatePayload struct {
	PartnerID string `json:"partnerId"`
	Token     string `json:"token"`
}

type LocationPayload struct {
	PartnerID string          `json:"partnerId"`
	Location  models.Location `json:"location"`
}

type AvailabilityPayload struct {
	PartnerID   string           `json:"partnerId"`
	IsAvailable bool             `json:"isAvailable"`
	Location    *models.Location `json:"location,omitempty"`
}

type RespondPayload struct {
	PartnerID string `json:"partnerId"`
	OrderID   string `json:"orderId"`
	Accept    bool   `json:"accept"`
}

type StatusPayload struct {
	PartnerID string `json:"partnerId,omitempty"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
}

// OrderEventPayload is what order rooms receive.
type OrderEventPayload struct {
	OrderID  string    `json:"orderId"`
	Status   string    `json:"status,omitempty"`
	DriverID string    `json:"driverId,omitempty"`
	At       time.Time `json:"at"`
}

type AutoOfflinePayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
