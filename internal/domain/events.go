package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event names carried in Envelope.Event.
const (
	EventNewOrder      = "new-order"
	EventStatusUpdate  = "status-update"
	EventStatusUpdated = "status-updated"
	EventError         = "error"
)

// Envelope is the frame exchanged on a connection in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: b}, nil
}

type EventHeader struct {
	Token string `json:"token"`
}

type NewOrderMetadata struct {
	RestaurantID string    `json:"restaurantId"`
	CustomerID   string    `json:"customerId"`
	Time         OrderTime `json:"time"`
}

// NewOrderEvent is the inbound new-order payload. Any client supplied order id
// is ignored.
type NewOrderEvent struct {
	Header   EventHeader      `json:"header"`
	Metadata NewOrderMetadata `json:"metadata"`
	Items    []OrderItem      `json:"items"`
}

type StatusUpdateMetadata struct {
	OrderID      string `json:"orderId"`
	RestaurantID string `json:"restaurantId"`
	CustomerID   string `json:"customerId"`
	Status       Status `json:"status"`
}

type StatusUpdateEvent struct {
	Header   EventHeader          `json:"header"`
	Metadata StatusUpdateMetadata `json:"metadata"`
}

// StatusUpdated goes to the originator, the restaurant and the customer.
type StatusUpdated struct {
	OrderID string `json:"orderId"`
	Status  Status `json:"status"`
	UserMsg string `json:"userMsg"`
}

// ErrorEvent tells a connection's owner that something about its link failed
// (e.g. the registry could not record it).
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OrderTimeLayout is the normalized placement time format.
const OrderTimeLayout = "2006-01-02 15:04:05"

// OrderTime accepts a UNIX millisecond number, an OrderTimeLayout string or an
// RFC 3339 string, and always encodes as OrderTimeLayout in UTC.
type OrderTime struct {
	time.Time
}

func NewOrderTime(t time.Time) OrderTime {
	return OrderTime{Time: t.UTC().Truncate(time.Second)}
}

func (t OrderTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(OrderTimeLayout))
}

func (t *OrderTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(string(b), 64)
			if ferr != nil {
				return fmt.Errorf("invalid order time %s: %w", b, err)
			}
			ms = int64(f)
		}
		*t = NewOrderTime(time.UnixMilli(ms))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{OrderTimeLayout, time.RFC3339Nano} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = NewOrderTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("invalid order time %q", s)
}
