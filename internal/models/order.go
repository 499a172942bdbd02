package models

import "time"

type OrderStatus string

// Порядок констант = порядок фаз заказа.
const (
	OrderConfirmed        OrderStatus = "confirmed"
	OrderDriverAssigned   OrderStatus = "driver_assigned"
	OrderEnRouteToPickup  OrderStatus = "en_route_to_pickup"
	OrderArrivedAtPickup  OrderStatus = "arrived_at_pickup"
	OrderPickedUp         OrderStatus = "picked_up"
	OrderEnRouteToDropoff OrderStatus = "en_route_to_dropoff"
	OrderArrivedAtDropoff OrderStatus = "arrived_at_dropoff"
	OrderCompleted        OrderStatus = "completed"
	OrderCancelled        OrderStatus = "cancelled"
)

var orderRank = map[OrderStatus]int{
	OrderConfirmed:        1,
	OrderDriverAssigned:   2,
	OrderEnRouteToPickup:  3,
	OrderArrivedAtPickup:  4,
	OrderPickedUp:         5,
	OrderEnRouteToDropoff: 6,
	OrderArrivedAtDropoff: 7,
	OrderCompleted:        8,
	OrderCancelled:        9,
}

// ParseOrderStatus coerces unknown values to cancelled with ok=false.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	if _, ok := orderRank[st]; ok {
		return st, true
	}
	return OrderCancelled, false
}

// Rank is the position in the lifecycle, 0 for unknown values.
func (s OrderStatus) Rank() int { return orderRank[s] }

func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// IsEarlyPhase is true while the driver still heads for the pickup point.
func (s OrderStatus) IsEarlyPhase() bool {
	r := s.Rank()
	return r > 0 && r < orderRank[OrderPickedUp]
}

// CanAdvanceTo reports whether next is a forward move from s.
// Terminal statuses are reachable from any non-terminal one.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if s.IsTerminal() || next.Rank() == 0 {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return next.Rank() > s.Rank()
}

type OrderData struct {
	ID         string                    `json:"id"`
	CustomerID string                    `json:"customerId"`
	DriverID   string                    `json:"driverId,omitempty"`
	Status     OrderStatus               `json:"status"`
	Pickup     Place                     `json:"pickup"`
	Dropoff    Place                     `json:"dropoff"`
	PickupOTP  string                    `json:"pickupOtp,omitempty"`
	DropoffOTP string                    `json:"dropoffOtp,omitempty"`
	Timestamps map[OrderStatus]time.Time `json:"timestamps,omitempty"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

func (o *OrderData) Clone() *OrderData {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Timestamps != nil {
		cp.Timestamps = make(map[OrderStatus]time.Time, len(o.Timestamps))
		for k, v := range o.Timestamps {
			cp.Timestamps[k] = v
		}
	}
	return &cp
}

type OrderQuery struct {
	Page   int
	Limit  int
	Status string
	Search string
}

type OrderPage = Page[OrderData]
