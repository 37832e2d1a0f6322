package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tableside/internal/microservices/order/domain"
)

// FlexString accepts a JSON string or number. Menu item and table ids arrive
// both ways from existing clients.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

var errQuantity = errors.New("quantity must be a positive integer")

// Quantity is an optional positive integer given as a number or numeric string.
// Set is false when the field was absent or null.
type Quantity struct {
	Value int
	Set   bool
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = Quantity{}
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return errQuantity
		}
		raw = strings.TrimSpace(raw)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 1 || f != math.Trunc(f) || f > domain.MaxQuantity {
		return errQuantity
	}
	*q = Quantity{Value: int(f), Set: true}
	return nil
}

type ItemRequest struct {
	MenuItemID   FlexString       `json:"menuItemId"`
	Name         string           `json:"name"`
	Quantity     Quantity         `json:"quantity"`
	PriceAtOrder *decimal.Decimal `json:"priceAtOrder"`
}

type SubmitItemsRequest struct {
	TableID        FlexString    `json:"tableId"`
	SessionID      FlexString    `json:"sessionId"`
	CustomerName   string        `json:"customerName"`
	Items          []ItemRequest `json:"items"`
	IdempotencyKey string        `json:"idempotencyKey"`
}

// ToDomain builds the engine request. headerKey, when set, wins over the body's
// idempotencyKey.
func (r SubmitItemsRequest) ToDomain(tenantID, headerKey string) domain.SubmitRequest {
	items := make([]domain.ItemInput, 0, len(r.Items))
	for _, it := range r.Items {
		in := domain.ItemInput{
			MenuItemID:   string(it.MenuItemID),
			Name:         it.Name,
			PriceAtOrder: it.PriceAtOrder,
		}
		if it.Quantity.Set {
			in.Quantity = it.Quantity.Value
		}
		items = append(items, in)
	}
	key := r.IdempotencyKey
	if strings.TrimSpace(headerKey) != "" {
		key = headerKey
	}
	return domain.SubmitRequest{
		Key: domain.Key{
			TenantID:  tenantID,
			TableID:   string(r.TableID),
			SessionID: string(r.SessionID),
		},
		CustomerName:   r.CustomerName,
		Items:          items,
		IdempotencyKey: key,
	}
}

type SetStatusRequest struct {
	Status    string `json:"status"`
	ChangedBy string `json:"changedBy"`
}

type BillingRequest struct {
	Subtotal               *decimal.Decimal    `json:"subtotal"`
	DiscountAmount         *decimal.Decimal    `json:"discountAmount"`
	ServiceChargeAmount    *decimal.Decimal    `json:"serviceChargeAmount"`
	TaxAmount              *decimal.Decimal    `json:"taxAmount"`
	TotalAmount            *decimal.Decimal    `json:"totalAmount"`
	AppliedDiscountPercent *decimal.Decimal    `json:"appliedDiscountPercent"`
	AppliedTaxes           []domain.AppliedTax `json:"appliedTaxes"`
	PaymentStatus          *string             `json:"paymentStatus"`
	IsOrderComplete        *bool               `json:"isOrderComplete"`
	Status                 *string             `json:"status"`
}

func (r BillingRequest) ToDomain() (domain.BillingUpdate, error) {
	u := domain.BillingUpdate{
		Subtotal:               r.Subtotal,
		DiscountAmount:         r.DiscountAmount,
		ServiceChargeAmount:    r.ServiceChargeAmount,
		TaxAmount:              r.TaxAmount,
		TotalAmount:            r.TotalAmount,
		AppliedDiscountPercent: r.AppliedDiscountPercent,
		AppliedTaxes:           r.AppliedTaxes,
		IsOrderComplete:        r.IsOrderComplete,
	}
	if r.PaymentStatus != nil {
		ps, ok := domain.ParsePaymentStatus(*r.PaymentStatus)
		if !ok {
			return u, domain.Errorf(domain.KindInvalidRequest, "unknown paymentStatus %q", *r.PaymentStatus)
		}
		u.PaymentStatus = &ps
	}
	if r.Status != nil {
		st, ok := domain.ParseStatus(*r.Status)
		if !ok {
			return u, domain.Errorf(domain.KindInvalidRequest, "unknown status %q", *r.Status)
		}
		u.Status = &st
	}
	return u, nil
}

// OrderResponse wraps a single order. Order is null when a session has none.
type OrderResponse struct {
	Order *domain.Order `json:"order"`
}

type TimelineResponse struct {
	OrderID string                `json:"orderId"`
	Changes []domain.StatusChange `json:"changes"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
