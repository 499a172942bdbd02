package driver

import (
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testRequest(id string) models.DeliveryRequest {
	return models.DeliveryRequest{
		OrderID:          id,
		CustomerName:     "Aziz",
		Pickup:           models.Place{Location: models.Location{Lat: 41.31, Lng: 69.24}, Street: "Amir Temur 1"},
		Drop:             models.Place{Location: models.Location{Lat: 41.33, Lng: 69.28}, Street: "Navoi 12"},
		Amount:           25000,
		ExpiresInSeconds: 30,
		ReceivedAt:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestReduce_FullLifecycle(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	s := State{Online: true}

	s = reduce(s, RequestReceived{Request: testRequest("o1")})
	require.NotNil(t, s.Request)

	s = reduce(s, RequestAccepted{At: at})
	require.Nil(t, s.Request)
	require.Equal(t, models.DeliveryHeadingToPickup, s.Active.Status)

	s = reduce(s, PickupVerified{At: at.Add(time.Minute), OTP: "1234"})
	require.Equal(t, models.DeliveryPickedUp, s.Active.Status)

	done := at.Add(10 * time.Minute)
	s = reduce(s, DropoffVerified{At: done, OTP: "5678"})

	want := &models.ActiveDelivery{
		DeliveryRequest: testRequest("o1"),
		Status:          models.DeliveryCompleted,
		PickupOTP:       "1234",
		DropoffOTP:      "5678",
		AcceptedAt:      at,
		UpdatedAt:       done,
		CompletedAt:     &done,
	}
	if diff := cmp.Diff(want, s.Active); diff != "" {
		t.Fatalf("active delivery mismatch (-want +got):\n%s", diff)
	}

	s = reduce(s, DeliveryCleared{OrderID: "o1"})
	require.Nil(t, s.Active)
}

func TestReduce_RequestIgnoredWhenBusyOrOffline(t *testing.T) {
	offline := reduce(State{}, RequestReceived{Request: testRequest("o1")})
	require.Nil(t, offline.Request)

	busy := State{Online: true, Active: &models.ActiveDelivery{DeliveryRequest: testRequest("o1"), Status: models.DeliveryPickedUp}}
	busy = reduce(busy, RequestReceived{Request: testRequest("o2")})
	require.Nil(t, busy.Request)
	require.Equal(t, "o1", busy.Active.OrderID)
}

func TestReduce_NoBackwardsOrSkippedTransitions(t *testing.T) {
	s := State{Online: true, Active: &models.ActiveDelivery{DeliveryRequest: testRequest("o1"), Status: models.DeliveryHeadingToPickup}}

	s = reduce(s, DropoffVerified{At: time.Now(), OTP: "1111"})
	require.Equal(t, models.DeliveryHeadingToPickup, s.Active.Status)
	require.Nil(t, s.Active.CompletedAt)

	s.Active.Status = models.DeliveryCompleted
	s = reduce(s, PickupVerified{At: time.Now(), OTP: "1111"})
	require.Equal(t, models.DeliveryCompleted, s.Active.Status)
}

func TestReduce_ExpiryAndClearMatchOrder(t *testing.T) {
	s := reduce(State{Online: true}, RequestReceived{Request: testRequest("o1")})
	s = reduce(s, RequestExpired{OrderID: "other"})
	require.NotNil(t, s.Request)
	s = reduce(s, RequestExpired{OrderID: "o1"})
	require.Nil(t, s.Request)

	s.Active = &models.ActiveDelivery{DeliveryRequest: testRequest("o2")}
	s = reduce(s, DeliveryCleared{OrderID: "o1"})
	require.NotNil(t, s.Active)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	in := State{Online: true, Active: &models.ActiveDelivery{DeliveryRequest: testRequest("o1"), Status: models.DeliveryHeadingToPickup}}
	_ = reduce(in, PickupVerified{At: time.Now(), OTP: "4321"})
	require.Equal(t, models.DeliveryHeadingToPickup, in.Active.Status)
	require.Empty(t, in.Active.PickupOTP)
}

func TestReduce_OfflineDropsPendingRequest(t *testing.T) {
	s := reduce(State{Online: true}, RequestReceived{Request: testRequest("o1")})
	s = reduce(s, OnlineChanged{Online: false})
	require.False(t, s.Online)
	require.Nil(t, s.Request)
}

func TestReduce_RestoreOnlyWhenIdle(t *testing.T) {
	d := models.ActiveDelivery{DeliveryRequest: testRequest("o9"), Status: models.DeliveryPickedUp}
	s := reduce(State{}, DeliveryRestored{Delivery: d})
	require.Equal(t, "o9", s.Active.OrderID)

	other := models.ActiveDelivery{DeliveryRequest: testRequest("o10")}
	s = reduce(s, DeliveryRestored{Delivery: other})
	require.Equal(t, "o9", s.Active.OrderID)
}
