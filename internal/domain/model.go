package domain

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// Role classifies what a live connection represents. Decided once at
// handshake time and never changed for the lifetime of the connection.
type Role string

const (
	RestaurantConnection Role = "RestaurantConnection"
	CustomerConnection   Role = "CustomerConnection"
)

func (r Role) Valid() bool {
	return r == RestaurantConnection || r == CustomerConnection
}

var (
	ErrUnclassifiedConnection = errors.New("handshake must carry exactly one of restaurantId or customerId")
	ErrInvalidEntityID        = errors.New("entity id contains control characters")
)

// Classify maps the handshake parameters to a role. Exactly one of the two ids
// must be non-empty, and neither may carry control characters.
func Classify(restaurantID, customerID string) (Role, string, error) {
	restaurantID = strings.TrimSpace(restaurantID)
	customerID = strings.TrimSpace(customerID)
	if strings.ContainsFunc(restaurantID+customerID, unicode.IsControl) {
		return "", "", ErrInvalidEntityID
	}
	switch {
	case restaurantID != "" && customerID == "":
		return RestaurantConnection, restaurantID, nil
	case customerID != "" && restaurantID == "":
		return CustomerConnection, customerID, nil
	default:
		return "", "", ErrUnclassifiedConnection
	}
}

type Connection struct {
	ID          string    `json:"connection_id"`
	Role        Role      `json:"role"`
	EntityID    string    `json:"entity_id"`
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SameIdentity reports whether two records describe the same (id, role, entity).
// InstanceID and ConnectedAt are bookkeeping and do not take part.
func (c Connection) SameIdentity(o Connection) bool {
	return c.ID == o.ID && c.Role == o.Role && c.EntityID == o.EntityID
}

// Order.Time is recorded by the server at placement. ClientTime echoes the
// time the client reported, when it sent one.
type Order struct {
	OrderID      string      `json:"orderId"`
	RestaurantID string      `json:"restaurantId"`
	CustomerID   string      `json:"customerId"`
	Time         OrderTime   `json:"time"`
	ClientTime   *OrderTime  `json:"clientTime,omitempty"`
	Status       Status      `json:"status"`
	Items        []OrderItem `json:"items"`
}

type OrderItem struct {
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity,omitempty"`
}

// StatusChange is one row of an order's status history.
type StatusChange struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changedBy"`
	ChangedAt time.Time `json:"changedAt"`
}
