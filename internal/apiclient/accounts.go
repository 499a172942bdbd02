package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/BearBump/CourierBox/internal/models"
)

func pageQuery(page, limit int) url.Values {
	v := url.Values{}
	if page > 0 {
		v.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	return v
}

type UsersAPI struct {
	c Doer
}

func NewUsersAPI(c Doer) *UsersAPI { return &UsersAPI{c: c} }

func (a *UsersAPI) List(ctx context.Context, page, limit int) (models.Page[models.User], error) {
	var out models.Page[models.User]
	err := a.c.Do(ctx, http.MethodGet, "/users", pageQuery(page, limit), nil, &out)
	return out, err
}

func (a *UsersAPI) Get(ctx context.Context, id string) (models.User, error) {
	var out models.User
	err := a.c.Do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (a *UsersAPI) Create(ctx context.Context, u models.User) (models.User, error) {
	var out models.User
	err := a.c.Do(ctx, http.MethodPost, "/users", nil, u, &out)
	return out, err
}

func (a *UsersAPI) Update(ctx context.Context, u models.User) (models.User, error) {
	var out models.User
	err := a.c.Do(ctx, http.MethodPut, "/users/"+url.PathEscape(u.ID), nil, u, &out)
	return out, err
}

func (a *UsersAPI) Delete(ctx context.Context, id string) error {
	return a.c.Do(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), nil, nil, nil)
}

type VehiclesAPI struct {
	c Doer
}

func NewVehiclesAPI(c Doer) *VehiclesAPI { return &VehiclesAPI{c: c} }

func (a *VehiclesAPI) List(ctx context.Context) ([]models.Vehicle, error) {
	var out []models.Vehicle
	err := a.c.Do(ctx, http.MethodGet, "/vehicles", nil, nil, &out)
	return out, err
}

func (a *VehiclesAPI) Create(ctx context.Context, v models.Vehicle) (models.Vehicle, error) {
	var out models.Vehicle
	err := a.c.Do(ctx, http.MethodPost, "/vehicles", nil, v, &out)
	return out, err
}

func (a *VehiclesAPI) Update(ctx context.Context, v models.Vehicle) (models.Vehicle, error) {
	var out models.Vehicle
	err := a.c.Do(ctx, http.MethodPut, "/vehicles/"+url.PathEscape(v.ID), nil, v, &out)
	return out, err
}

func (a *VehiclesAPI) Delete(ctx context.Context, id string) error {
	return a.c.Do(ctx, http.MethodDelete, "/vehicles/"+url.PathEscape(id), nil, nil, nil)
}

type WalletAPI struct {
	c Doer
}

func NewWalletAPI(c Doer) *WalletAPI { return &WalletAPI{c: c} }

func (a *WalletAPI) Transactions(ctx context.Context, userID string, page, limit int) (models.Page[models.WalletTransaction], error) {
	var out models.Page[models.WalletTransaction]
	err := a.c.Do(ctx, http.MethodGet, "/wallet/"+url.PathEscape(userID)+"/transactions", pageQuery(page, limit), nil, &out)
	return out, err
}

type addMoneyBody struct {
	Amount float64 `json:"amount"`
}

func (a *WalletAPI) AddMoney(ctx context.Context, userID string, amount float64) (models.WalletTransaction, error) {
	var out models.WalletTransaction
	err := a.c.Do(ctx, http.MethodPost, "/wallet/"+url.PathEscape(userID)+"/add-money", nil, addMoneyBody{Amount: amount}, &out)
	return out, err
}
