// README: Firebase tracking sink: live positions in RTDB and FCM topic pushes on delivery or cancellation.
package tracking

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"
)

// rtdb entries mirror what the mobile client listens to under /tracking.
type rtdbOrderEntry struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Status     string  `json:"status"`
	StatusText string  `json:"statusText"`
	Mode       string  `json:"mode,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

type rtdbRiderEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Status    string  `json:"status"`
	OrderID   string  `json:"orderId,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

type rtdbWriter interface {
	Set(ctx context.Context, path string, v any) error
}

type messageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type dbRefWriter struct {
	client *db.Client
}

func (w dbRefWriter) Set(ctx context.Context, path string, v any) error {
	return w.client.NewRef(path).Set(ctx, v)
}

// FirebaseSink is decoupled from the order module; it only mirrors envelopes.
type FirebaseSink struct {
	rtdb rtdbWriter
	fcm  messageSender
}

func NewFirebaseSink(ctx context.Context, app *firebase.App) (*FirebaseSink, error) {
	dbClient, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FirebaseSink{rtdb: dbRefWriter{client: dbClient}, fcm: msgClient}, nil
}

// OrderTopic is the FCM topic customers subscribe to for one order.
func OrderTopic(orderID string) string {
	return "order-" + orderID
}

func (s *FirebaseSink) Publish(ctx context.Context, env Envelope) error {
	switch p := env.Payload.(type) {
	case Event:
		return s.publishEvent(ctx, p)
	case PoolSnapshot:
		return s.rtdb.Set(ctx, "tracking/pool", p)
	case BatchPlan:
		return s.rtdb.Set(ctx, "tracking/plan", p)
	}
	return nil
}

func (s *FirebaseSink) publishEvent(ctx context.Context, e Event) error {
	ts := e.Timestamp.UnixMilli()
	if e.OrderID != "" {
		entry := rtdbOrderEntry{
			Lat: e.Lat, Lng: e.Lng,
			Status:     string(e.Status),
			StatusText: e.StatusText,
			Mode:       string(e.TransportMode),
			Timestamp:  ts,
		}
		if err := s.rtdb.Set(ctx, "tracking/orders/"+string(e.OrderID), entry); err != nil {
			return fmt.Errorf("writing order position: %w", err)
		}
	}
	if e.RiderIndex != nil {
		entry := rtdbRiderEntry{Lat: e.Lat, Lng: e.Lng, Status: string(e.Status), OrderID: string(e.OrderID), Timestamp: ts}
		if err := s.rtdb.Set(ctx, "tracking/riders/"+strconv.Itoa(*e.RiderIndex), entry); err != nil {
			return fmt.Errorf("writing rider position: %w", err)
		}
	}
	if e.OrderID == "" || (e.Status != StatusDelivered && e.Status != StatusCancelled) {
		return nil
	}

	title := "Parcel delivered"
	if e.Status == StatusCancelled {
		title = "Delivery cancelled"
	}
	msg := &messaging.Message{
		Topic: OrderTopic(string(e.OrderID)),
		Data: map[string]string{
			"type":     string(e.Status),
			"order_id": string(e.OrderID),
			"lat":      strconv.FormatFloat(e.Lat, 'f', 6, 64),
			"lng":      strconv.FormatFloat(e.Lng, 'f', 6, 64),
		},
		Notification: &messaging.Notification{
			Title: title,
			Body:  e.StatusText,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := s.fcm.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM for order %s: %w", e.OrderID, err)
	}
	return nil
}
