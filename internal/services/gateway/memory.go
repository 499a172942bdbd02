package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
)

// MemoryRepository keeps gateway state in process memory. It follows the
// pgdelivery semantics and backs single-node dev runs and tests.
type MemoryRepository struct {
	mu      sync.Mutex
	drivers map[string]models.DriverData
	orders  map[string]models.OrderData
	active  map[string]models.ActiveDelivery
	created map[string]time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		drivers: map[string]models.DriverData{},
		orders:  map[string]models.OrderData{},
		active:  map[string]models.ActiveDelivery{},
		created: map[string]time.Time{},
	}
}

func (r *MemoryRepository) EnsureDriver(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[id]; !ok {
		r.drivers[id] = models.DriverData{ID: id}
	}
	return nil
}

func (r *MemoryRepository) GetDriver(_ context.Context, id string) (models.DriverData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.DriverData{}, ErrNotFound
	}
	return d, nil
}

func (r *MemoryRepository) UpdateDriverProfile(_ context.Context, id, name, phone, vehicle string, _ time.Time) (models.DriverData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.DriverData{}, ErrNotFound
	}
	if name != "" {
		d.Name = name
	}
	if phone != "" {
		d.Phone = phone
	}
	if vehicle != "" {
		d.Vehicle = vehicle
	}
	r.drivers[id] = d
	return d, nil
}

func (r *MemoryRepository) SetDriverAvailability(_ context.Context, id string, available bool, loc *models.Location, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.IsAvailable = available
	if loc != nil {
		l := *loc
		d.Location = &l
	}
	d.LastSeenAt = &now
	r.drivers[id] = d
	return nil
}

func (r *MemoryRepository) SaveDriverLocation(_ context.Context, id string, loc models.Location, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Location = &loc
	d.LastSeenAt = &now
	r.drivers[id] = d
	return nil
}

func (r *MemoryRepository) ListAvailableDrivers(context.Context) ([]models.DriverData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DriverData
	for _, d := range r.drivers {
		if d.IsAvailable {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) CreateOrder(_ context.Context, o models.OrderData, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = *o.Clone()
	r.created[o.ID] = o.UpdatedAt
	return nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, id string) (models.OrderData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return models.OrderData{}, ErrNotFound
	}
	return *o.Clone(), nil
}

func (r *MemoryRepository) ListDriverOrders(_ context.Context, driverID string, q models.OrderQuery) (models.OrderPage, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	search := strings.ToLower(q.Search)

	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []models.OrderData
	for _, o := range r.orders {
		if o.DriverID != driverID || (q.Status != "" && string(o.Status) != q.Status) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(o.ID+" "+o.Pickup.Street+" "+o.Dropoff.Street), search) {
			continue
		}
		matched = append(matched, *o.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return r.created[matched[i].ID].After(r.created[matched[j].ID]) })

	page := models.OrderPage{Page: q.Page, Limit: q.Limit, Total: len(matched), Items: []models.OrderData{}}
	from := (q.Page - 1) * q.Limit
	if from < len(matched) {
		page.Items = append(page.Items, matched[from:min(from+q.Limit, len(matched))]...)
	}
	return page, nil
}

func (r *MemoryRepository) TransitionOrder(_ context.Context, id string, from, to models.OrderStatus, at time.Time) (models.OrderData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return models.OrderData{}, ErrNotFound
	}
	if o.Status != from {
		return models.OrderData{}, ErrConflict
	}
	o = *o.Clone()
	o.Status = to
	if o.Timestamps == nil {
		o.Timestamps = map[models.OrderStatus]time.Time{}
	}
	o.Timestamps[to] = at
	o.UpdatedAt = at
	r.orders[id] = o
	return *o.Clone(), nil
}

func (r *MemoryRepository) AssignDriver(_ context.Context, id, driverID string, at time.Time) (models.OrderData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return models.OrderData{}, ErrNotFound
	}
	if o.Status != models.OrderConfirmed {
		return models.OrderData{}, ErrConflict
	}
	o = *o.Clone()
	o.DriverID = driverID
	o.Status = models.OrderDriverAssigned
	if o.Timestamps == nil {
		o.Timestamps = map[models.OrderStatus]time.Time{}
	}
	o.Timestamps[models.OrderDriverAssigned] = at
	o.UpdatedAt = at
	r.orders[id] = o
	return *o.Clone(), nil
}

func (r *MemoryRepository) SetDropoffOTP(_ context.Context, id, otp string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.DropoffOTP = otp
	r.orders[id] = o
	return nil
}

func (r *MemoryRepository) GetActiveOrder(_ context.Context, partnerID string) (*models.ActiveDelivery, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.active[partnerID]
	if !ok {
		return nil, time.Time{}, nil
	}
	return &d, d.UpdatedAt, nil
}

func (r *MemoryRepository) PutActiveOrder(_ context.Context, partnerID string, d models.ActiveDelivery, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.UpdatedAt = at
	r.active[partnerID] = d
	return nil
}

func (r *MemoryRepository) DeleteActiveOrder(_ context.Context, partnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, partnerID)
	return nil
}
