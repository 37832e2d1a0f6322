package domain

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Money is rendered as JSON numbers (priceAtOrder: 100), not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch PaymentStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PaymentUnpaid:
		return PaymentUnpaid, true
	case PaymentPaid:
		return PaymentPaid, true
	}
	return "", false
}

// Key groups the orders of one dining session. At most one order per Key may
// be open (not complete) at any time.
type Key struct {
	TenantID  string `json:"tenantId"`
	TableID   string `json:"tableId"`
	SessionID string `json:"sessionId"`
}

func (k Key) String() string {
	return k.TenantID + "/" + k.TableID + "/" + k.SessionID
}

func (k Key) Validate() error {
	switch {
	case strings.TrimSpace(k.TenantID) == "":
		return InvalidRequest("tenantId is required")
	case strings.TrimSpace(k.TableID) == "":
		return InvalidRequest("tableId is required")
	case strings.TrimSpace(k.SessionID) == "":
		return InvalidRequest("sessionId is required")
	}
	return nil
}

type OrderItem struct {
	MenuItemID   string          `json:"menuItemId"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	PriceAtOrder decimal.Decimal `json:"priceAtOrder"`
	Status       Status          `json:"status"`
}

type AppliedTax struct {
	Name    string          `json:"name"`
	Percent decimal.Decimal `json:"percent"`
	Amount  decimal.Decimal `json:"amount"`
}

// Billing holds the fields owned by the billing collaborator.
type Billing struct {
	Subtotal               decimal.Decimal `json:"subtotal"`
	DiscountAmount         decimal.Decimal `json:"discountAmount"`
	ServiceChargeAmount    decimal.Decimal `json:"serviceChargeAmount"`
	TaxAmount              decimal.Decimal `json:"taxAmount"`
	TotalAmount            decimal.Decimal `json:"totalAmount"`
	AppliedDiscountPercent decimal.Decimal `json:"appliedDiscountPercent"`
	AppliedTaxes           []AppliedTax    `json:"appliedTaxes"`
}

type Order struct {
	ID              string        `json:"orderId"`
	TenantID        string        `json:"tenantId"`
	TableID         string        `json:"tableId"`
	SessionID       string        `json:"sessionId"`
	CustomerName    string        `json:"customerName"`
	Items           []OrderItem   `json:"items"`
	Status          Status        `json:"status"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	IsOrderComplete bool          `json:"isOrderComplete"`
	Billing
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (o *Order) Key() Key {
	return Key{TenantID: o.TenantID, TableID: o.TableID, SessionID: o.SessionID}
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	if o.AppliedTaxes != nil {
		c.AppliedTaxes = append([]AppliedTax(nil), o.AppliedTaxes...)
	}
	return &c
}

// MaxQuantity is the largest quantity one order line can hold, the range of
// the quantity column.
const MaxQuantity = math.MaxInt32

// ItemInput is one submitted line. Quantity 0 means the client omitted it.
type ItemInput struct {
	MenuItemID   string
	Name         string
	Quantity     int
	PriceAtOrder *decimal.Decimal
}

// NormalizeMenuItemID is the comparison form of a menu item reference.
func NormalizeMenuItemID(id string) string {
	return strings.TrimSpace(id)
}

type SubmitRequest struct {
	Key            Key
	CustomerName   string
	Items          []ItemInput
	IdempotencyKey string
}

type SubmitResult string

const (
	ResultCreated SubmitResult = "created"
	ResultMerged  SubmitResult = "merged"
)

// BillingUpdate carries the billing path's partial update; nil fields are left alone.
type BillingUpdate struct {
	Subtotal               *decimal.Decimal
	DiscountAmount         *decimal.Decimal
	ServiceChargeAmount    *decimal.Decimal
	TaxAmount              *decimal.Decimal
	TotalAmount            *decimal.Decimal
	AppliedDiscountPercent *decimal.Decimal
	AppliedTaxes           []AppliedTax
	PaymentStatus          *PaymentStatus
	IsOrderComplete        *bool
	Status                 *Status
}

// StatusChange is one row of an order's status timeline.
type StatusChange struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changedBy"`
	Notes     string    `json:"notes,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}
