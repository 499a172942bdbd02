package models

import "time"

type DeliveryStatus string

const (
	DeliveryHeadingToPickup DeliveryStatus = "heading_to_pickup"
	DeliveryPickedUp        DeliveryStatus = "picked_up"
	DeliveryCompleted       DeliveryStatus = "completed"
)

// ParseDeliveryStatus maps a wire value onto the driver lifecycle.
// "delivering" is the legacy name of picked_up. Unknown values fall back to
// heading_to_pickup and ok=false so the caller can log it.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(s) {
	case DeliveryHeadingToPickup, DeliveryPickedUp, DeliveryCompleted:
		return DeliveryStatus(s), true
	}
	if s == "delivering" {
		return DeliveryPickedUp, true
	}
	return DeliveryHeadingToPickup, false
}

type OTPType string

const (
	OTPPickup  OTPType = "pickup"
	OTPDropoff OTPType = "dropoff"
)

type DeliveryRequest struct {
	OrderID          string    `json:"orderId"`
	CustomerName     string    `json:"customerName,omitempty"`
	Pickup           Place     `json:"pickup"`
	Drop             Place     `json:"drop"`
	Amount           float64   `json:"amount"`
	PaymentMethod    string    `json:"paymentMethod,omitempty"`
	DistanceKm       float64   `json:"distance"`
	EstimatedMinutes float64   `json:"estimatedTime"`
	ExpiresInSeconds int       `json:"expiresIn"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

func (r DeliveryRequest) ExpiresAt() time.Time {
	if r.ExpiresInSeconds <= 0 {
		return time.Time{}
	}
	return r.ReceivedAt.Add(time.Duration(r.ExpiresInSeconds) * time.Second)
}

type ActiveDelivery struct {
	DeliveryRequest
	Status      DeliveryStatus `json:"status"`
	PickupOTP   string         `json:"pickupOtp,omitempty"`
	DropoffOTP  string         `json:"dropoffOtp,omitempty"`
	AcceptedAt  time.Time      `json:"acceptedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so reducer output never aliases its input.
func (a *ActiveDelivery) Clone() *ActiveDelivery {
	if a == nil {
		return nil
	}
	cp := *a
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
