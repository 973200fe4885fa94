package domain

import "fmt"

type Status string

const (
	StatusSentToKitchen Status = "SentToKitchen"
	StatusAccepted      Status = "Accepted"
	StatusRejected      Status = "Rejected"
	StatusEnroute       Status = "Enroute"
	StatusDelivered     Status = "Delivered"
)

var statusMessages = map[Status]string{
	StatusSentToKitchen: "Your order has been sent to the kitchen.",
	StatusAccepted:      "Your order has been accepted by the restaurant.",
	StatusRejected:      "Sorry, the restaurant could not accept your order.",
	StatusEnroute:       "Your order is on its way.",
	StatusDelivered:     "Your order has been delivered. Enjoy your meal!",
}

const unknownStatusMessage = "Your order status has changed."

// legal forward moves; Rejected and Delivered are terminal
var transitions = map[Status][]Status{
	StatusSentToKitchen: {StatusAccepted, StatusRejected},
	StatusAccepted:      {StatusEnroute},
	StatusEnroute:       {StatusDelivered},
}

func (s Status) Valid() bool {
	_, ok := statusMessages[s]
	return ok
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// MessageFor returns the user-facing text for a status. It depends on the
// status value only.
func MessageFor(s Status) string {
	if m, ok := statusMessages[s]; ok {
		return m
	}
	return unknownStatusMessage
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists the states from which a move to `to` is legal.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusSentToKitchen, StatusAccepted, StatusRejected, StatusEnroute, StatusDelivered} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
