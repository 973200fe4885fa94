package domain

// OrderView is what the read API returns for GET /api/v1/orders/{order_id}.
type OrderView struct {
	Order
	UserMsg string `json:"userMsg"`
}

type TimelineResponse struct {
	OrderID string         `json:"orderId"`
	Events  []StatusChange `json:"events"`
}

func NewOrderView(o Order) OrderView {
	return OrderView{Order: o, UserMsg: MessageFor(o.Status)}
}
