package driver

import (
	"time"

	"github.com/BearBump/CourierBox/internal/models"
)

// State is everything the driver console renders.
type State struct {
	Online    bool                    `json:"online"`
	Connected bool                    `json:"connected"`
	Request   *models.DeliveryRequest `json:"request,omitempty"`
	Active    *models.ActiveDelivery  `json:"active,omitempty"`
	LastError string                  `json:"lastError,omitempty"`
}

func (s State) clone() State {
	cp := s
	if s.Request != nil {
		r := *s.Request
		cp.Request = &r
	}
	cp.Active = s.Active.Clone()
	return cp
}

// Event is the closed set of inputs the reducer understands.
type Event interface {
	isEvent()
}

type RequestReceived struct{ Request models.DeliveryRequest }

type RequestExpired struct{ OrderID string }

type RequestAccepted struct{ At time.Time }

type RequestRejected struct{}

type PickupVerified struct {
	At  time.Time
	OTP string
}

type DropoffVerified struct {
	At  time.Time
	OTP string
}

type DeliveryRestored struct{ Delivery models.ActiveDelivery }

type DeliveryCleared struct{ OrderID string }

type OnlineChanged struct{ Online bool }

type ConnectionChanged struct{ Connected bool }

type ErrorRaised struct{ Message string }

func (RequestReceived) isEvent()   {}
func (RequestExpired) isEvent()    {}
func (RequestAccepted) isEvent()   {}
func (RequestRejected) isEvent()   {}
func (PickupVerified) isEvent()    {}
func (DropoffVerified) isEvent()   {}
func (DeliveryRestored) isEvent()  {}
func (DeliveryCleared) isEvent()   {}
func (OnlineChanged) isEvent()     {}
func (ConnectionChanged) isEvent() {}
func (ErrorRaised) isEvent()       {}

// reduce is pure: it never mutates s and never performs I/O.
// Lifecycle: heading_to_pickup -> picked_up -> completed, entered only by
// accepting a request and left only by DeliveryCleared.
func reduce(s State, ev Event) State {
	next := s.clone()

	switch e := ev.(type) {
	case RequestReceived:
		// занятому или офлайн водителю заказы не показываем
		if !s.Online || s.Active != nil {
			return next
		}
		req := e.Request
		next.Request = &req

	case RequestExpired:
		if s.Request != nil && s.Request.OrderID == e.OrderID {
			next.Request = nil
		}

	case RequestAccepted:
		if s.Request == nil || s.Active != nil {
			return next
		}
		next.Active = &models.ActiveDelivery{
			DeliveryRequest: *s.Request,
			Status:          models.DeliveryHeadingToPickup,
			AcceptedAt:      e.At,
			UpdatedAt:       e.At,
		}
		next.Request = nil

	case RequestRejected:
		next.Request = nil

	case PickupVerified:
		if s.Active == nil || s.Active.Status != models.DeliveryHeadingToPickup {
			return next
		}
		next.Active.Status = models.DeliveryPickedUp
		next.Active.PickupOTP = e.OTP
		next.Active.UpdatedAt = e.At

	case DropoffVerified:
		if s.Active == nil || s.Active.Status != models.DeliveryPickedUp {
			return next
		}
		at := e.At
		next.Active.Status = models.DeliveryCompleted
		next.Active.DropoffOTP = e.OTP
		next.Active.UpdatedAt = at
		next.Active.CompletedAt = &at

	case DeliveryRestored:
		if s.Active != nil {
			return next
		}
		next.Active = e.Delivery.Clone()
		next.Request = nil

	case DeliveryCleared:
		if s.Active != nil && s.Active.OrderID == e.OrderID {
			next.Active = nil
		}

	case OnlineChanged:
		next.Online = e.Online
		if !e.Online {
			next.Request = nil
		}

	case ConnectionChanged:
		next.Connected = e.Connected

	case ErrorRaised:
		next.LastError = e.Message
	}
	return next
}
