package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

// ErrOTPRejected is returned when the backend answers but refuses the code.
var ErrOTPRejected = errors.New("otp rejected")

type DriversAPI struct {
	c Doer
}

func NewDriversAPI(c Doer) *DriversAPI {
	return &DriversAPI{c: c}
}

func driverPath(id string, suffix string) string {
	return "/drivers/" + url.PathEscape(id) + suffix
}

func partnerPath(id string, suffix string) string {
	return "/partners/" + url.PathEscape(id) + suffix
}

func (a *DriversAPI) Get(ctx context.Context, id string) (models.DriverData, error) {
	var out models.DriverData
	err := a.c.Do(ctx, http.MethodGet, driverPath(id, ""), nil, nil, &out)
	return out, err
}

type DriverUpdate struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Vehicle string `json:"vehicle,omitempty"`
}

func (a *DriversAPI) Update(ctx context.Context, id string, upd DriverUpdate) (models.DriverData, error) {
	var out models.DriverData
	err := a.c.Do(ctx, http.MethodPut, driverPath(id, ""), nil, upd, &out)
	return out, err
}

type availabilityBody struct {
	IsAvailable bool             `json:"isAvailable"`
	Location    *models.Location `json:"location,omitempty"`
}

func (a *DriversAPI) SetAvailability(ctx context.Context, id string, available bool, loc *models.Location) error {
	return a.c.Do(ctx, http.MethodPut, driverPath(id, "/status"), nil, availabilityBody{IsAvailable: available, Location: loc}, nil)
}

func (a *DriversAPI) UpdateLocation(ctx context.Context, id string, loc models.Location) error {
	return a.c.Do(ctx, http.MethodPut, driverPath(id, "/location"), nil, loc, nil)
}

// Location returns the driver's last reported position as seen by the backend.
func (a *DriversAPI) Location(ctx context.Context, id string) (models.DriverData, error) {
	var out models.DriverData
	err := a.c.Do(ctx, http.MethodGet, driverPath(id, "/location"), nil, nil, &out)
	return out, err
}

func (a *DriversAPI) ListOrders(ctx context.Context, partnerID string, q models.OrderQuery) (models.OrderPage, error) {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	var out models.OrderPage
	err := a.c.Do(ctx, http.MethodGet, partnerPath(partnerID, "/orders"), v, nil, &out)
	return out, err
}

type verifyOTPBody struct {
	Type models.OTPType `json:"type"`
	OTP  string         `json:"otp"`
}

type VerifyOTPResult struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status,omitempty"`
}

func (a *DriversAPI) VerifyOTP(ctx context.Context, orderID string, typ models.OTPType, code string) (VerifyOTPResult, error) {
	var out VerifyOTPResult
	path := "/orders/" + url.PathEscape(orderID) + "/verify-otp"
	if err := a.c.Do(ctx, http.MethodPost, path, nil, verifyOTPBody{Type: typ, OTP: code}, &out); err != nil {
		return out, err
	}
	if !out.Verified {
		return out, ErrOTPRejected
	}
	return out, nil
}

type ActiveOrderRecord struct {
	Order     models.ActiveDelivery `json:"order"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// ActiveOrder returns nil without error when the backend holds no active order.
func (a *DriversAPI) ActiveOrder(ctx context.Context, partnerID string) (*ActiveOrderRecord, error) {
	var out ActiveOrderRecord
	err := a.c.Do(ctx, http.MethodGet, partnerPath(partnerID, "/active-order"), nil, nil, &out)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out.Order.OrderID == "" {
		return nil, nil
	}
	return &out, nil
}

func (a *DriversAPI) PutActiveOrder(ctx context.Context, partnerID string, d models.ActiveDelivery) error {
	return a.c.Do(ctx, http.MethodPut, partnerPath(partnerID, "/active-order"), nil, d, nil)
}

func (a *DriversAPI) DeleteActiveOrder(ctx context.Context, partnerID string) error {
	err := a.c.Do(ctx, http.MethodDelete, partnerPath(partnerID, "/active-order"), nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "delete active order")
	}
	return nil
}
