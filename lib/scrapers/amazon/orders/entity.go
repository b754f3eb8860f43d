package orders

import (
	"time"
)

// Order is one entry of the order history. Fields below FullDetails
// are only populated when the details page was fetched, since that
// costs an extra request per order.
type Order struct {
	OrderID        string
	Placed         time.Time
	GrandTotal     float64
	DeliveryStatus string
	DetailsURL     string
	InvoiceURL     string
	Recipient      string
	Items          []Item

	// Index is where the order appeared in the history when it was
	// queried; correlate with the start index of the query.
	Index int

	FullDetails          bool
	Shipments            []Shipment
	PaymentMethod        string
	PaymentMethodLast4   string
	Subtotal             float64
	ShippingTotal        float64
	FreeShipping         float64
	Promotion            float64
	CouponSavings        float64
	SubscriptionDiscount float64
	TotalBeforeTax       float64
	EstimatedTax         float64
	RefundTotal          float64

	// FailedFields names the fields that could not be parsed out of
	// the markup. A record with failed fields is kept, not discarded.
	FailedFields []string
}

// Partial reports whether one or more fields failed to parse.
func (o *Order) Partial() bool {
	return len(o.FailedFields) > 0
}

func (o *Order) markFailed(field string) {
	o.FailedFields = append(o.FailedFields, field)
}

// Shipment groups the items of an order that travel together, as laid
// out on the details page.
type Shipment struct {
	Status string
	Items  []Item
}

// Item is a line item owned by an order; items never outlive their
// order.
type Item struct {
	Title        string
	Link         string
	Price        float64
	Quantity     int
	ReturnStatus string

	FailedFields []string
}

func (i *Item) Partial() bool {
	return len(i.FailedFields) > 0
}

// Transaction is a payment posting, correlated to an order by order id
// rather than nested in the same page.
type Transaction struct {
	OrderID       string
	Date          time.Time
	Amount        float64
	PaymentMethod string

	FailedFields []string
}

func (t *Transaction) Partial() bool {
	return len(t.FailedFields) > 0
}

// PageCursor is an opaque pointer to "which page of results comes
// next". A nil cursor means the sequence is exhausted.
type PageCursor struct {
	// StartIndex is the record offset the cursor points at.
	StartIndex int
	// NextURL advances via GET when Form is nil.
	NextURL string
	// Form, when set, advances via a POST of these fields to NextURL.
	Form map[string]string
}
