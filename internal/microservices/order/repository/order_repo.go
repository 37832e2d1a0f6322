package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tableside/internal/common/logger"
	"tableside/internal/microservices/order/domain"
)

// OrderRepository stores orders in postgres or sqlite through database/sql.
type OrderRepository struct {
	db      *sql.DB
	dialect Dialect
	log     *logger.Logger
}

func NewOrderRepository(db *sql.DB, dialect Dialect, lg *logger.Logger) *OrderRepository {
	if lg == nil {
		lg = logger.Nop()
	}
	return &OrderRepository{db: db, dialect: dialect, log: lg}
}

const orderColumns = `id, tenant_id, table_id, session_id, customer_name, status, payment_status,
	is_order_complete, subtotal, discount_amount, service_charge_amount, tax_amount, total_amount,
	applied_discount_percent, applied_taxes, version, created_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (or *OrderRepository) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := or.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				or.log.Error("tx_rollback_failed", rbErr, nil)
			}
		}
	}()

	if err = fn(&sqlOrderTx{q: sqlTx, dialect: or.dialect}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}
	return nil
}

func (or *OrderRepository) GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, or.db, or.dialect,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? AND id = ?`, tenantID, orderID)
}

// GetLatestBySession prefers the open order of the session and falls back to
// the most recently created one.
func (or *OrderRepository) GetLatestBySession(ctx context.Context, tenantID, sessionID string) (*domain.Order, error) {
	return loadOrder(ctx, or.db, or.dialect,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? AND session_id = ?
		ORDER BY is_order_complete ASC, created_at DESC, id DESC LIMIT 1`, tenantID, sessionID)
}

func (or *OrderRepository) Timeline(ctx context.Context, tenantID, orderID string, limit, offset int) ([]domain.StatusChange, error) {
	rows, err := or.db.QueryContext(ctx, rebind(or.dialect, `
		SELECT l.order_id, l.status, l.changed_by, l.notes, l.changed_at
		FROM order_status_log l
		JOIN orders o ON o.id = l.order_id
		WHERE o.tenant_id = ? AND l.order_id = ?
		ORDER BY l.id ASC
		LIMIT ? OFFSET ?`), tenantID, orderID, limit, offset)
	if err != nil {
		return nil, classify(err, "failed to query status log")
	}
	defer rows.Close()

	out := make([]domain.StatusChange, 0)
	for rows.Next() {
		var c domain.StatusChange
		var status string
		if err := rows.Scan(&c.OrderID, &status, &c.ChangedBy, &c.Notes, &c.ChangedAt); err != nil {
			return nil, classify(err, "failed to scan status log")
		}
		c.Status = domain.Status(status)
		c.ChangedAt = c.ChangedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to iterate status log")
	}
	return out, nil
}

func (or *OrderRepository) Ping(ctx context.Context) error {
	return classify(or.db.PingContext(ctx), "database ping failed")
}

type sqlOrderTx struct {
	q       queryer
	dialect Dialect
}

func (t *sqlOrderTx) lockClause() string {
	if t.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (t *sqlOrderTx) FindLatestByKey(ctx context.Context, key domain.Key) (*domain.Order, error) {
	return loadOrder(ctx, t.q, t.dialect,
		`SELECT `+orderColumns+` FROM orders
		WHERE tenant_id = ? AND table_id = ? AND session_id = ?
		ORDER BY is_order_complete ASC, created_at DESC, id DESC LIMIT 1`+t.lockClause(),
		key.TenantID, key.TableID, key.SessionID)
}

func (t *sqlOrderTx) FindByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, t.q, t.dialect,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = ? AND id = ?`+t.lockClause(),
		tenantID, orderID)
}

func (t *sqlOrderTx) Insert(ctx context.Context, o *domain.Order) (bool, error) {
	taxes, err := encodeTaxes(o.AppliedTaxes)
	if err != nil {
		return false, err
	}
	res, err := t.q.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		o.ID, o.TenantID, o.TableID, o.SessionID, o.CustomerName, string(o.Status), string(o.PaymentStatus),
		o.IsOrderComplete, o.Subtotal, o.DiscountAmount, o.ServiceChargeAmount, o.TaxAmount, o.TotalAmount,
		o.AppliedDiscountPercent, taxes, o.Version, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, classify(err, "failed to insert order")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "failed to read insert result")
	}
	if n == 0 {
		return false, nil
	}
	if err := t.writeItems(ctx, o); err != nil {
		return false, err
	}
	return true, nil
}

func (t *sqlOrderTx) Save(ctx context.Context, o *domain.Order) error {
	taxes, err := encodeTaxes(o.AppliedTaxes)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, rebind(t.dialect, `
		UPDATE orders SET
			customer_name = ?, status = ?, payment_status = ?, is_order_complete = ?,
			subtotal = ?, discount_amount = ?, service_charge_amount = ?, tax_amount = ?,
			total_amount = ?, applied_discount_percent = ?, applied_taxes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		o.CustomerName, string(o.Status), string(o.PaymentStatus), o.IsOrderComplete,
		o.Subtotal, o.DiscountAmount, o.ServiceChargeAmount, o.TaxAmount,
		o.TotalAmount, o.AppliedDiscountPercent, taxes,
		o.UpdatedAt.UTC(), o.ID, o.Version,
	)
	if err != nil {
		return classify(err, "failed to update order")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "failed to read update result")
	}
	if n == 0 {
		return ErrStale
	}
	o.Version++
	return t.writeItems(ctx, o)
}

func (t *sqlOrderTx) writeItems(ctx context.Context, o *domain.Order) error {
	query := rebind(t.dialect, `
		INSERT INTO order_items (order_id, menu_item_id, position, name, quantity, price_at_order, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id, menu_item_id) DO UPDATE SET
			quantity = excluded.quantity,
			status = excluded.status`)
	for i, item := range o.Items {
		if _, err := t.q.ExecContext(ctx, query,
			o.ID, item.MenuItemID, i, item.Name, item.Quantity, item.PriceAtOrder, string(item.Status),
		); err != nil {
			return classify(err, fmt.Sprintf("failed to write order item %s", item.MenuItemID))
		}
	}
	return nil
}

func (t *sqlOrderTx) AppendStatus(ctx context.Context, c domain.StatusChange) error {
	_, err := t.q.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO order_status_log (order_id, status, changed_by, notes, changed_at)
		VALUES (?, ?, ?, ?, ?)`),
		c.OrderID, string(c.Status), c.ChangedBy, c.Notes, c.ChangedAt.UTC())
	return classify(err, "failed to insert order status log")
}

func (t *sqlOrderTx) FindSubmission(ctx context.Context, tenantID, idempotencyKey string) (*Submission, error) {
	var s Submission
	var result string
	err := t.q.QueryRowContext(ctx, rebind(t.dialect, `
		SELECT tenant_id, idempotency_key, order_id, result, created_at
		FROM order_submissions WHERE tenant_id = ? AND idempotency_key = ?`),
		tenantID, idempotencyKey,
	).Scan(&s.TenantID, &s.IdempotencyKey, &s.OrderID, &result, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "failed to query submission")
	}
	s.Result = domain.SubmitResult(result)
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

func (t *sqlOrderTx) RecordSubmission(ctx context.Context, s Submission) error {
	_, err := t.q.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO order_submissions (tenant_id, idempotency_key, order_id, result, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		s.TenantID, s.IdempotencyKey, s.OrderID, string(s.Result), s.CreatedAt.UTC())
	return classify(err, "failed to record submission")
}

// loadOrder runs a single-row order query and attaches the order's items.
// It returns nil, nil when no row matches.
func loadOrder(ctx context.Context, q queryer, dialect Dialect, query string, args ...any) (*domain.Order, error) {
	var (
		o                    domain.Order
		status, payment      string
		taxes                string
		createdAt, updatedAt time.Time
	)
	err := q.QueryRowContext(ctx, rebind(dialect, query), args...).Scan(
		&o.ID, &o.TenantID, &o.TableID, &o.SessionID, &o.CustomerName, &status, &payment,
		&o.IsOrderComplete, &o.Subtotal, &o.DiscountAmount, &o.ServiceChargeAmount, &o.TaxAmount,
		&o.TotalAmount, &o.AppliedDiscountPercent, &taxes, &o.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "failed to query order")
	}
	o.Status = domain.Status(status)
	o.PaymentStatus = domain.PaymentStatus(payment)
	o.CreatedAt = createdAt.UTC()
	o.UpdatedAt = updatedAt.UTC()
	if o.AppliedTaxes, err = decodeTaxes(taxes); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, rebind(dialect, `
		SELECT menu_item_id, name, quantity, price_at_order, status
		FROM order_items WHERE order_id = ? ORDER BY position ASC`), o.ID)
	if err != nil {
		return nil, classify(err, "failed to query order items")
	}
	defer rows.Close()

	o.Items = make([]domain.OrderItem, 0)
	for rows.Next() {
		var it domain.OrderItem
		var itemStatus string
		var price decimal.Decimal
		if err := rows.Scan(&it.MenuItemID, &it.Name, &it.Quantity, &price, &itemStatus); err != nil {
			return nil, classify(err, "failed to scan order item")
		}
		it.PriceAtOrder = price
		it.Status = domain.Status(itemStatus)
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to iterate order items")
	}
	return &o, nil
}

func encodeTaxes(taxes []domain.AppliedTax) (string, error) {
	if taxes == nil {
		taxes = []domain.AppliedTax{}
	}
	b, err := json.Marshal(taxes)
	if err != nil {
		return "", fmt.Errorf("failed to encode applied taxes: %w", err)
	}
	return string(b), nil
}

func decodeTaxes(raw string) ([]domain.AppliedTax, error) {
	taxes := []domain.AppliedTax{}
	if raw == "" {
		return taxes, nil
	}
	if err := json.Unmarshal([]byte(raw), &taxes); err != nil {
		return nil, fmt.Errorf("failed to decode applied taxes: %w", err)
	}
	return taxes, nil
}
