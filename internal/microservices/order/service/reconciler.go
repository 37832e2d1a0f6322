package service

import (
	"github.com/shopspring/decimal"

	"tableside/internal/microservices/order/domain"
)

// Reconciler is the order status state machine.
//
// Status only moves forward along placed < preparing < served < billed. The one
// backward move is the merge reset: new items merged into a served (or later)
// order send it back to placed so the kitchen picks them up. A complete order
// rejects every change with a Closed error.
type Reconciler struct {
	// Strict rejects forward moves that skip a step (placed -> served).
	Strict bool
}

// OnMerge applies the merge reset rule to o. It reports whether the status was reset.
func (r Reconciler) OnMerge(o *domain.Order, report MergeReport) (bool, error) {
	if o.IsOrderComplete {
		return false, domain.Closed(o.ID)
	}
	if !report.Changed() {
		return false, nil
	}
	if o.Status.Rank() >= domain.StatusServed.Rank() {
		o.Status = domain.StatusPlaced
		return true, nil
	}
	return false, nil
}

// SetStatus applies an explicit staff or kitchen transition to o. Requesting the
// current status is accepted as a no-op and reports false.
func (r Reconciler) SetStatus(o *domain.Order, next domain.Status) (bool, error) {
	if o.IsOrderComplete {
		return false, domain.Closed(o.ID)
	}
	if !next.Valid() {
		return false, domain.Errorf(domain.KindInvalidRequest, "unknown status %q", next)
	}
	if err := r.checkTransition(o.Status, next); err != nil {
		return false, err
	}
	if o.Status == next {
		return false, nil
	}
	o.Status = next
	promoteItems(o, next)
	return true, nil
}

// promoteItems moves every item that is behind status up to it. Items added
// after a merge reset start at placed and catch up with the next transition.
func promoteItems(o *domain.Order, status domain.Status) {
	for i := range o.Items {
		if o.Items[i].Status.Rank() < status.Rank() {
			o.Items[i].Status = status
		}
	}
}

func (r Reconciler) checkTransition(from, to domain.Status) error {
	d := to.Rank() - from.Rank()
	switch {
	case d == 0:
		return nil
	case d < 0:
		return domain.InvalidTransition(from, to)
	case r.Strict && d > 1:
		return domain.InvalidTransition(from, to)
	}
	return nil
}

// ApplyBilling writes the billing collaborator's fields. Marking the order paid
// closes it and forces status billed; a requested status otherwise follows the
// normal transition rules. It reports whether the status changed.
func (r Reconciler) ApplyBilling(o *domain.Order, u domain.BillingUpdate) (bool, error) {
	if o.IsOrderComplete {
		return false, domain.Closed(o.ID)
	}
	if u.PaymentStatus != nil {
		if _, ok := domain.ParsePaymentStatus(string(*u.PaymentStatus)); !ok {
			return false, domain.Errorf(domain.KindInvalidRequest, "unknown paymentStatus %q", *u.PaymentStatus)
		}
	}

	prev := o.Status
	paid := u.PaymentStatus != nil && *u.PaymentStatus == domain.PaymentPaid
	if u.Status != nil && !paid {
		if _, err := r.SetStatus(o, *u.Status); err != nil {
			return false, err
		}
	}

	setDecimal(&o.Subtotal, u.Subtotal)
	setDecimal(&o.DiscountAmount, u.DiscountAmount)
	setDecimal(&o.ServiceChargeAmount, u.ServiceChargeAmount)
	setDecimal(&o.TaxAmount, u.TaxAmount)
	setDecimal(&o.TotalAmount, u.TotalAmount)
	setDecimal(&o.AppliedDiscountPercent, u.AppliedDiscountPercent)
	if u.AppliedTaxes != nil {
		o.AppliedTaxes = append([]domain.AppliedTax(nil), u.AppliedTaxes...)
	}
	if u.PaymentStatus != nil {
		o.PaymentStatus = *u.PaymentStatus
	}

	if paid {
		o.IsOrderComplete = true
		o.Status = domain.StatusBilled
		promoteItems(o, domain.StatusBilled)
	} else if u.IsOrderComplete != nil && *u.IsOrderComplete {
		o.IsOrderComplete = true
	}
	return o.Status != prev, nil
}

func setDecimal(dst *decimal.Decimal, v *decimal.Decimal) {
	if v != nil {
		*dst = *v
	}
}
