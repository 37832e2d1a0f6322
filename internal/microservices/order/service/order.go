package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tableside/internal/common/logger"
	"tableside/internal/metrics"
	"tableside/internal/microservices/order/domain"
	"tableside/internal/microservices/order/events"
	"tableside/internal/microservices/order/repository"
)

const (
	defaultMaxRetries   = 3
	defaultTimelinePage = 50
	maxTimelinePage     = 500
	changedBySystem     = "order-service"
	publishTimeout      = 5 * time.Second
)

// errCreateRace means another writer created the open order for the key
// between our read and our insert. The next attempt merges into it.
var errCreateRace = errors.New("open order created concurrently")

type OrderServiceInterface interface {
	SubmitItems(ctx context.Context, req domain.SubmitRequest) (*domain.Order, domain.SubmitResult, error)
	SetStatus(ctx context.Context, tenantID, orderID string, status domain.Status, changedBy string) (*domain.Order, error)
	UpdateBilling(ctx context.Context, tenantID, orderID string, u domain.BillingUpdate) (*domain.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error)
	GetOpenBySession(ctx context.Context, tenantID, sessionID string) (*domain.Order, error)
	Timeline(ctx context.Context, tenantID, orderID string, limit, offset int) ([]domain.StatusChange, error)
}

type Options struct {
	// MaxRetries bounds the attempts spent on create races and stale writes
	// before a Conflict is returned.
	MaxRetries int
	Strict     bool
	Locker     Locker
	Resolver   SessionResolver
	Publisher  events.Publisher
	Metrics    *metrics.Registry
	Logger     *logger.Logger
	Now        func() time.Time
	NewID      func() string
}

type OrderService struct {
	db         repository.OrderRepositoryInterface
	reconciler Reconciler
	maxRetries int
	locker     Locker
	resolver   SessionResolver
	publisher  events.Publisher
	metrics    *metrics.Registry
	log        *logger.Logger
	now        func() time.Time
	newID      func() string
}

func NewOrderService(db repository.OrderRepositoryInterface, opts Options) *OrderService {
	s := &OrderService{
		db:         db,
		reconciler: Reconciler{Strict: opts.Strict},
		maxRetries: opts.MaxRetries,
		locker:     opts.Locker,
		resolver:   opts.Resolver,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.locker == nil {
		s.locker = NewKeyedLocker()
	}
	if s.resolver == nil {
		s.resolver = AllowAllResolver{}
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = newUUID
	}
	return s
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// timestamp is truncated to what the SQL stores keep.
func (s *OrderService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// SubmitItems creates the open order for the request's key or merges the items
// into it. Two calls for the same key never both create: the key lock orders
// them in-process, and the insert is guarded by a unique index on open orders
// so a racing writer elsewhere loses and retries as a merge.
func (s *OrderService) SubmitItems(ctx context.Context, req domain.SubmitRequest) (*domain.Order, domain.SubmitResult, error) {
	start := time.Now()

	// 1. Validate input
	req, err := normalizeSubmit(req)
	if err != nil {
		s.countError("submit", err)
		return nil, "", err
	}

	// 2. Resolve the session key
	if err := s.resolve(ctx, req.Key); err != nil {
		s.countError("submit", err)
		return nil, "", err
	}

	// 3. Serialize on the key
	unlock, err := s.lock(ctx, "session:"+req.Key.String())
	if err != nil {
		s.countError("submit", err)
		return nil, "", err
	}
	defer unlock()

	// 4. Find-or-create and merge, atomically, with bounded retries
	var out submitOutcome
	err = s.retry(ctx, func() error {
		var txErr error
		out, txErr = s.submitOnce(ctx, req)
		return txErr
	})
	if err != nil {
		s.countError("submit", err)
		s.log.Error("submit_items_failed", err, map[string]any{"key": req.Key.String()})
		return nil, "", err
	}

	// 5. Notify
	label := string(out.result)
	if out.replayed {
		label = "replayed"
	}
	s.metrics.Submissions.WithLabelValues(label).Inc()
	s.metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	if out.reset {
		s.metrics.MergeResets.Inc()
	}
	s.publish(ctx, out.events)

	s.log.Info("items_submitted", map[string]any{
		"order_id": out.order.ID,
		"key":      req.Key.String(),
		"result":   label,
		"items":    len(req.Items),
		"status":   string(out.order.Status),
	})
	return out.order, out.result, nil
}

type submitOutcome struct {
	order    *domain.Order
	result   domain.SubmitResult
	replayed bool
	reset    bool
	events   []events.OrderEvent
}

func (s *OrderService) submitOnce(ctx context.Context, req domain.SubmitRequest) (submitOutcome, error) {
	var out submitOutcome
	err := s.db.InTx(ctx, func(tx repository.Tx) error {
		out = submitOutcome{}

		if req.IdempotencyKey != "" {
			sub, err := tx.FindSubmission(ctx, req.Key.TenantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if sub != nil {
				o, err := tx.FindByID(ctx, req.Key.TenantID, sub.OrderID)
				if err != nil {
					return err
				}
				if o == nil {
					return domain.NotFound(fmt.Sprintf("order %s not found", sub.OrderID))
				}
				if o.Key() != req.Key {
					return domain.InvalidRequest("idempotency key was already used for another session")
				}
				out.order, out.result, out.replayed = o, sub.Result, true
				return nil
			}
		}

		existing, err := tx.FindLatestByKey(ctx, req.Key)
		if err != nil {
			return err
		}
		if existing != nil && existing.IsOrderComplete {
			return domain.Closed(existing.ID)
		}

		var known []domain.OrderItem
		if existing != nil {
			known = existing.Items
		}
		if err := requirePrices(known, req.Items); err != nil {
			return err
		}

		now := s.timestamp()
		if existing == nil {
			out, err = s.create(ctx, tx, req, now)
		} else {
			out, err = s.merge(ctx, tx, existing, req, now)
		}
		if err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			return tx.RecordSubmission(ctx, repository.Submission{
				TenantID:       req.Key.TenantID,
				IdempotencyKey: req.IdempotencyKey,
				OrderID:        out.order.ID,
				Result:         out.result,
				CreatedAt:      now,
			})
		}
		return nil
	})
	return out, err
}

func (s *OrderService) create(ctx context.Context, tx repository.Tx, req domain.SubmitRequest, now time.Time) (submitOutcome, error) {
	items, _ := Merge(nil, req.Items)
	if err := checkQuantities(items); err != nil {
		return submitOutcome{}, err
	}
	o := &domain.Order{
		ID:            s.newID(),
		TenantID:      req.Key.TenantID,
		TableID:       req.Key.TableID,
		SessionID:     req.Key.SessionID,
		CustomerName:  req.CustomerName,
		Items:         items,
		Status:        domain.StatusPlaced,
		PaymentStatus: domain.PaymentUnpaid,
		Billing:       domain.Billing{AppliedTaxes: []domain.AppliedTax{}},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ok, err := tx.Insert(ctx, o)
	if err != nil {
		return submitOutcome{}, err
	}
	if !ok {
		return submitOutcome{}, errCreateRace
	}
	if err := tx.AppendStatus(ctx, domain.StatusChange{
		OrderID: o.ID, Status: o.Status, ChangedBy: changedBySystem, Notes: "order created", ChangedAt: now,
	}); err != nil {
		return submitOutcome{}, err
	}
	return submitOutcome{
		order:  o,
		result: domain.ResultCreated,
		events: []events.OrderEvent{s.event(events.TypeCreated, o, "", changedBySystem)},
	}, nil
}

func (s *OrderService) merge(ctx context.Context, tx repository.Tx, existing *domain.Order, req domain.SubmitRequest, now time.Time) (submitOutcome, error) {
	o := existing.Clone()
	prev := o.Status

	items, report := Merge(o.Items, req.Items)
	if err := checkQuantities(items); err != nil {
		return submitOutcome{}, err
	}
	o.Items = items
	reset, err := s.reconciler.OnMerge(o, report)
	if err != nil {
		return submitOutcome{}, err
	}
	if o.CustomerName == "" {
		o.CustomerName = req.CustomerName
	}
	o.UpdatedAt = now

	if err := tx.Save(ctx, o); err != nil {
		return submitOutcome{}, err
	}

	evs := []events.OrderEvent{s.event(events.TypeItemsAdded, o, "", changedBySystem)}
	if reset {
		if err := tx.AppendStatus(ctx, domain.StatusChange{
			OrderID:   o.ID,
			Status:    o.Status,
			ChangedBy: changedBySystem,
			Notes:     fmt.Sprintf("new items while %s", prev),
			ChangedAt: now,
		}); err != nil {
			return submitOutcome{}, err
		}
		evs = append(evs, s.event(events.TypeStatusChanged, o, prev, changedBySystem))
	}
	return submitOutcome{order: o, result: domain.ResultMerged, reset: reset, events: evs}, nil
}

// SetStatus applies a staff or kitchen transition. It serializes with
// submissions on the same session key.
func (s *OrderService) SetStatus(ctx context.Context, tenantID, orderID string, status domain.Status, changedBy string) (*domain.Order, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		s.countError("set_status", err)
		return nil, err
	}
	if !status.Valid() {
		err := domain.Errorf(domain.KindInvalidRequest, "unknown status %q", status)
		s.countError("set_status", err)
		return nil, err
	}
	if strings.TrimSpace(changedBy) == "" {
		changedBy = "staff"
	}

	current, err := s.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, "session:"+current.Key().String())
	if err != nil {
		s.countError("set_status", err)
		return nil, err
	}
	defer unlock()

	var (
		result  *domain.Order
		prev    domain.Status
		changed bool
	)
	err = s.retry(ctx, func() error {
		return s.db.InTx(ctx, func(tx repository.Tx) error {
			o, err := tx.FindByID(ctx, tenantID, orderID)
			if err != nil {
				return err
			}
			if o == nil {
				return domain.NotFound(fmt.Sprintf("order %s not found", orderID))
			}
			prev = o.Status
			changed, err = s.reconciler.SetStatus(o, status)
			if err != nil {
				return err
			}
			result = o
			if !changed {
				return nil
			}
			now := s.timestamp()
			o.UpdatedAt = now
			if err := tx.Save(ctx, o); err != nil {
				return err
			}
			return tx.AppendStatus(ctx, domain.StatusChange{
				OrderID: o.ID, Status: o.Status, ChangedBy: changedBy, ChangedAt: now,
			})
		})
	})
	if err != nil {
		s.countError("set_status", err)
		return nil, err
	}

	if changed {
		s.metrics.StatusChanges.WithLabelValues(string(result.Status)).Inc()
		s.publish(ctx, []events.OrderEvent{s.event(events.TypeStatusChanged, result, prev, changedBy)})
		s.log.Info("status_changed", map[string]any{
			"order_id":   result.ID,
			"from":       string(prev),
			"to":         string(result.Status),
			"changed_by": changedBy,
		})
	}
	return result, nil
}

// UpdateBilling writes the billing collaborator's fields. It is serialized per
// order id; the version check on save keeps it from overwriting a concurrent
// merge or status change.
func (s *OrderService) UpdateBilling(ctx context.Context, tenantID, orderID string, u domain.BillingUpdate) (*domain.Order, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		s.countError("update_billing", err)
		return nil, err
	}
	if err := validateBilling(u); err != nil {
		s.countError("update_billing", err)
		return nil, err
	}

	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		s.countError("update_billing", err)
		return nil, err
	}
	defer unlock()

	var (
		result        *domain.Order
		prev          domain.Status
		statusChanged bool
	)
	err = s.retry(ctx, func() error {
		return s.db.InTx(ctx, func(tx repository.Tx) error {
			o, err := tx.FindByID(ctx, tenantID, orderID)
			if err != nil {
				return err
			}
			if o == nil {
				return domain.NotFound(fmt.Sprintf("order %s not found", orderID))
			}
			prev = o.Status
			statusChanged, err = s.reconciler.ApplyBilling(o, u)
			if err != nil {
				return err
			}
			now := s.timestamp()
			o.UpdatedAt = now
			if err := tx.Save(ctx, o); err != nil {
				return err
			}
			result = o
			if !statusChanged {
				return nil
			}
			return tx.AppendStatus(ctx, domain.StatusChange{
				OrderID: o.ID, Status: o.Status, ChangedBy: "billing", ChangedAt: now,
			})
		})
	})
	if err != nil {
		s.countError("update_billing", err)
		return nil, err
	}

	evs := []events.OrderEvent{s.event(events.TypeBilled, result, prev, "billing")}
	if statusChanged {
		s.metrics.StatusChanges.WithLabelValues(string(result.Status)).Inc()
		evs = append(evs, s.event(events.TypeStatusChanged, result, prev, "billing"))
	}
	if result.IsOrderComplete {
		evs = append(evs, s.event(events.TypeClosed, result, prev, "billing"))
	}
	s.publish(ctx, evs)
	s.log.Info("billing_updated", map[string]any{
		"order_id":       result.ID,
		"payment_status": string(result.PaymentStatus),
		"complete":       result.IsOrderComplete,
		"status":         string(result.Status),
	})
	return result, nil
}

func (s *OrderService) GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		return nil, err
	}
	o, err := s.db.GetByID(ctx, tenantID, orderID)
	if err != nil {
		s.countError("get_order", err)
		return nil, err
	}
	if o == nil {
		return nil, domain.NotFound(fmt.Sprintf("order %s not found", orderID))
	}
	return o, nil
}

// GetOpenBySession returns the session's open order, or its most recent order
// when all are complete, or nil when the session never ordered.
func (s *OrderService) GetOpenBySession(ctx context.Context, tenantID, sessionID string) (*domain.Order, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, domain.InvalidRequest("tenantId is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.InvalidRequest("sessionId is required")
	}
	o, err := s.db.GetLatestBySession(ctx, tenantID, sessionID)
	if err != nil {
		s.countError("get_by_session", err)
		return nil, err
	}
	return o, nil
}

func (s *OrderService) Timeline(ctx context.Context, tenantID, orderID string, limit, offset int) ([]domain.StatusChange, error) {
	if limit < 0 || offset < 0 {
		return nil, domain.InvalidRequest("limit and offset must not be negative")
	}
	if limit == 0 {
		limit = defaultTimelinePage
	}
	if limit > maxTimelinePage {
		limit = maxTimelinePage
	}
	if _, err := s.GetOrder(ctx, tenantID, orderID); err != nil {
		return nil, err
	}
	changes, err := s.db.Timeline(ctx, tenantID, orderID, limit, offset)
	if err != nil {
		s.countError("timeline", err)
		return nil, err
	}
	return changes, nil
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// attempt budget runs out. Create races and stale versions are retryable.
func (s *OrderService) retry(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !errors.Is(last, errCreateRace) && !errors.Is(last, repository.ErrStale) {
			return last
		}
		s.metrics.Retries.Inc()
		s.log.Debug("write_retry", map[string]any{"attempt": attempt, "reason": last.Error()})
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return domain.Wrap(domain.KindUnavailable, ctx.Err(), "request canceled during retry")
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return domain.Wrap(domain.KindConflict, last,
		fmt.Sprintf("concurrent update not resolved after %d attempts", s.maxRetries))
}

func (s *OrderService) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.Wrap(domain.KindUnavailable, err, "order lock unavailable")
		}
		return nil, err
	}
	return unlock, nil
}

func (s *OrderService) resolve(ctx context.Context, key domain.Key) error {
	err := s.resolver.Resolve(ctx, key)
	if err == nil || domain.KindOf(err) != "" {
		return err
	}
	return domain.Wrap(domain.KindUnavailable, err, "session resolver failed")
}

func (s *OrderService) event(t events.Type, o *domain.Order, prev domain.Status, changedBy string) events.OrderEvent {
	return events.OrderEvent{
		ID:             s.newID(),
		Type:           t,
		TenantID:       o.TenantID,
		OrderID:        o.ID,
		TableID:        o.TableID,
		SessionID:      o.SessionID,
		Status:         o.Status,
		PreviousStatus: prev,
		ChangedBy:      changedBy,
		Order:          o.Clone(),
		OccurredAt:     o.UpdatedAt,
	}
}

// publish runs after commit. A failed publish is logged and counted; the
// order change stands. The caller going away does not cut a publish short,
// the broker confirm is bounded by publishTimeout instead.
func (s *OrderService) publish(ctx context.Context, evs []events.OrderEvent) {
	if len(evs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, ev := range evs {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.metrics.PublishFailures.Inc()
			s.log.Error("event_publish_failed", err, map[string]any{
				"event_type": string(ev.Type),
				"order_id":   ev.OrderID,
			})
		}
	}
}

func (s *OrderService) countError(op string, err error) {
	kind := string(domain.KindOf(err))
	if kind == "" {
		kind = "Internal"
	}
	s.metrics.Errors.WithLabelValues(op, kind).Inc()
}

func normalizeSubmit(req domain.SubmitRequest) (domain.SubmitRequest, error) {
	req.Key = domain.Key{
		TenantID:  strings.TrimSpace(req.Key.TenantID),
		TableID:   strings.TrimSpace(req.Key.TableID),
		SessionID: strings.TrimSpace(req.Key.SessionID),
	}
	if err := req.Key.Validate(); err != nil {
		return req, err
	}
	if len(req.Items) == 0 {
		return req, domain.InvalidRequest("items must not be empty")
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	items := make([]domain.ItemInput, len(req.Items))
	for i, it := range req.Items {
		it.MenuItemID = domain.NormalizeMenuItemID(it.MenuItemID)
		if it.MenuItemID == "" {
			return req, domain.Errorf(domain.KindInvalidRequest, "items[%d]: menuItemId is required", i)
		}
		if it.Quantity < 0 || it.Quantity > domain.MaxQuantity {
			return req, domain.Errorf(domain.KindInvalidRequest, "items[%d]: quantity must be a positive integer", i)
		}
		if it.PriceAtOrder != nil && it.PriceAtOrder.IsNegative() {
			return req, domain.Errorf(domain.KindInvalidRequest, "items[%d]: priceAtOrder must not be negative", i)
		}
		items[i] = it
	}
	req.Items = items
	return req, nil
}

// requirePrices rejects a submission that introduces a menu item without a
// price. Items already on the order, or earlier in the same batch, keep theirs.
func requirePrices(existing []domain.OrderItem, incoming []domain.ItemInput) error {
	known := make(map[string]bool, len(existing)+len(incoming))
	for _, it := range existing {
		known[domain.NormalizeMenuItemID(it.MenuItemID)] = true
	}
	for i, it := range incoming {
		if known[it.MenuItemID] {
			continue
		}
		if it.PriceAtOrder == nil {
			return domain.Errorf(domain.KindInvalidRequest, "items[%d]: priceAtOrder is required for new item %s", i, it.MenuItemID)
		}
		known[it.MenuItemID] = true
	}
	return nil
}

func validateBilling(u domain.BillingUpdate) error {
	amounts := []struct {
		name string
		v    *decimal.Decimal
	}{
		{"subtotal", u.Subtotal},
		{"discountAmount", u.DiscountAmount},
		{"serviceChargeAmount", u.ServiceChargeAmount},
		{"taxAmount", u.TaxAmount},
		{"totalAmount", u.TotalAmount},
		{"appliedDiscountPercent", u.AppliedDiscountPercent},
	}
	for _, a := range amounts {
		if a.v != nil && a.v.IsNegative() {
			return domain.Errorf(domain.KindInvalidRequest, "%s must not be negative", a.name)
		}
	}
	if u.Status != nil && !u.Status.Valid() {
		return domain.Errorf(domain.KindInvalidRequest, "unknown status %q", *u.Status)
	}
	return nil
}

func requireIDs(tenantID, orderID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return domain.InvalidRequest("tenantId is required")
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.InvalidRequest("orderId is required")
	}
	return nil
}
