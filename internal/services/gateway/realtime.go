package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// deliveryToOrder maps the driver's lifecycle names onto order statuses.
var deliveryToOrder = map[models.DeliveryStatus]models.OrderStatus{
	models.DeliveryHeadingToPickup: models.OrderEnRouteToPickup,
	models.DeliveryPickedUp:        models.OrderPickedUp,
	models.DeliveryCompleted:       models.OrderCompleted,
}

// HandleMessage serves one inbound realtime envelope.
func (s *Service) HandleMessage(c *realtime.Conn, env realtime.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env.Event == realtime.EventAuthenticate {
		s.authenticateConn(c, env)
		return
	}

	subject := c.Subject()
	if subject == "" {
		_ = c.Emit(realtime.EventError, realtime.ErrorPayload{Message: "not authenticated"})
		return
	}

	var err error
	switch env.Event {
	case realtime.EventJoinRoom:
		err = s.joinRoom(ctx, c, subject, env)

	case realtime.EventUpdateLocation:
		var p realtime.LocationPayload
		if err = env.Decode(&p); err == nil && !p.Location.Valid() {
			err = errors.Wrap(ErrInvalidInput, "invalid location")
		}
		if err != nil {
			_ = c.Emit(realtime.EventLocationError, realtime.ErrorPayload{Message: err.Error()})
			return
		}
		s.cacheLocation(ctx, subject, p.Location, s.now())
		_ = c.Emit(realtime.EventLocationUpdated, p)
		return

	case realtime.EventSetAvailability:
		var p realtime.AvailabilityPayload
		if err = env.Decode(&p); err == nil {
			err = s.SetAvailability(ctx, subject, p.IsAvailable, p.Location)
		}

	case realtime.EventRespondToOrder:
		var p realtime.RespondPayload
		if err = env.Decode(&p); err == nil {
			err = s.RespondToOrder(ctx, subject, p.OrderID, p.Accept)
		}

	case realtime.EventOrderStatusUpdate:
		var p realtime.StatusPayload
		if err = env.Decode(&p); err == nil {
			err = s.driverStatusUpdate(ctx, subject, p)
		}

	default:
		err = errors.Errorf("unsupported event %q", env.Event)
	}

	if err != nil {
		s.log.Warn("realtime message", zap.String("event", env.Event), zap.String("subject", subject), zap.Error(err))
		_ = c.Emit(realtime.EventError, realtime.ErrorPayload{Message: err.Error()})
	}
}

func (s *Service) authenticateConn(c *realtime.Conn, env realtime.Envelope) {
	var p realtime.AuthenticatePayload
	if err := env.Decode(&p); err != nil {
		_ = c.Emit(realtime.EventAuthenticationError, realtime.ErrorPayload{Message: err.Error()})
		return
	}
	claims, err := s.Authenticate(p.Token)
	if err != nil {
		_ = c.Emit(realtime.EventAuthenticationError, realtime.ErrorPayload{Message: "invalid token"})
		return
	}
	if p.PartnerID != "" && p.PartnerID != claims.Subject {
		_ = c.Emit(realtime.EventAuthenticationError, realtime.ErrorPayload{Message: "token does not match partner"})
		return
	}

	c.SetSubject(claims.Subject)
	if claims.Role == models.RolePartner {
		s.deps.Rooms.Join(c, realtime.PartnerRoom(claims.Subject))
	}
	_ = c.Emit(realtime.EventAuthenticated, map[string]string{"subject": claims.Subject, "role": string(claims.Role)})
}

// joinRoom lets a subject into its own partner room or an order it takes part in.
func (s *Service) joinRoom(ctx context.Context, c *realtime.Conn, subject string, env realtime.Envelope) error {
	var room string
	if err := env.Decode(&room); err != nil {
		return err
	}
	switch {
	case room == realtime.PartnerRoom(subject):
	case strings.HasPrefix(room, "order:"):
		o, err := s.deps.Repo.GetOrder(ctx, strings.TrimPrefix(room, "order:"))
		if err != nil {
			return err
		}
		if o.CustomerID != subject && o.DriverID != subject {
			return ErrForbidden
		}
	default:
		return ErrForbidden
	}
	s.deps.Rooms.Join(c, room)
	return nil
}

func (s *Service) driverStatusUpdate(ctx context.Context, driverID string, p realtime.StatusPayload) error {
	next, ok := models.ParseOrderStatus(p.Status)
	if !ok {
		mapped, known := deliveryToOrder[models.DeliveryStatus(p.Status)]
		if !known {
			return errors.Wrapf(ErrInvalidInput, "unknown status %q", p.Status)
		}
		next = mapped
	}

	o, err := s.deps.Repo.GetOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if o.DriverID != driverID {
		return ErrForbidden
	}
	// OTP-подтверждённые шаги драйвер присылает повторно
	if o.Status == next || (o.Status.IsTerminal() && next.IsTerminal()) || next.Rank() < o.Status.Rank() {
		return nil
	}
	_, err = s.UpdateOrderStatus(ctx, o.ID, next, "driver")
	return err
}
