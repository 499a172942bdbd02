package models

import (
	"math"
	"time"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether l is a usable fix. 0/0 is what an unset location decodes to.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lng, 0) {
		return false
	}
	if l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return false
	}
	return l.Lat != 0 || l.Lng != 0
}

type Place struct {
	Location
	Street string `json:"street,omitempty"`
}

type Route struct {
	From            Location  `json:"from"`
	To              Location  `json:"to"`
	DistanceMeters  float64   `json:"distanceMeters"`
	DurationSeconds float64   `json:"durationSeconds"`
	Geometry        string    `json:"geometry,omitempty"`
	ComputedAt      time.Time `json:"computedAt"`
}

type DriverData struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Vehicle     string     `json:"vehicle,omitempty"`
	IsAvailable bool       `json:"isAvailable"`
	Location    *Location  `json:"location,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}
