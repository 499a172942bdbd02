package apiclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/BearBump/CourierBox/internal/models"
)

type OrdersAPI struct {
	c Doer
}

func NewOrdersAPI(c Doer) *OrdersAPI {
	return &OrdersAPI{c: c}
}

func orderPath(id, suffix string) string {
	return "/orders/" + url.PathEscape(id) + suffix
}

type CreateOrder struct {
	CustomerName  string       `json:"customerName,omitempty"`
	Pickup        models.Place `json:"pickup"`
	Dropoff       models.Place `json:"dropoff"`
	Amount        float64      `json:"amount"`
	PaymentMethod string       `json:"paymentMethod,omitempty"`
}

// Create places an order for the logged-in customer.
func (a *OrdersAPI) Create(ctx context.Context, in CreateOrder) (models.OrderData, error) {
	var out models.OrderData
	err := a.c.Do(ctx, http.MethodPost, "/orders", nil, in, &out)
	return out, err
}

func (a *OrdersAPI) Get(ctx context.Context, id string) (models.OrderData, error) {
	var out models.OrderData
	err := a.c.Do(ctx, http.MethodGet, orderPath(id, ""), nil, nil, &out)
	return out, err
}

type statusBody struct {
	Status models.OrderStatus `json:"status"`
}

func (a *OrdersAPI) UpdateStatus(ctx context.Context, id string, st models.OrderStatus) error {
	return a.c.Do(ctx, http.MethodPut, orderPath(id, "/status"), nil, statusBody{Status: st}, nil)
}

type otpBody struct {
	OTP string `json:"otp"`
}

func (a *OrdersAPI) SaveDropoffOTP(ctx context.Context, id, otp string) error {
	return a.c.Do(ctx, http.MethodPut, orderPath(id, "/dropoff-otp"), nil, otpBody{OTP: otp}, nil)
}
