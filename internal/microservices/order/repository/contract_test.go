package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/microservices/order/domain"
)

var testKey = domain.Key{TenantID: "restro10", TableID: "table1", SessionID: "sess1"}

func newTestOrder(id string, key domain.Key, at time.Time) *domain.Order {
	return &domain.Order{
		ID:           id,
		TenantID:     key.TenantID,
		TableID:      key.TableID,
		SessionID:    key.SessionID,
		CustomerName: "Asha",
		Items: []domain.OrderItem{
			{MenuItemID: "A", Name: "Dosa", Quantity: 1, PriceAtOrder: decimal.NewFromInt(100), Status: domain.StatusPlaced},
		},
		Status:        domain.StatusPlaced,
		PaymentStatus: domain.PaymentUnpaid,
		Billing:       domain.Billing{AppliedTaxes: []domain.AppliedTax{}},
		Version:       1,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func insert(t *testing.T, repo OrderRepositoryInterface, o *domain.Order) bool {
	t.Helper()
	var ok bool
	err := repo.InTx(context.Background(), func(tx Tx) error {
		var err error
		ok, err = tx.Insert(context.Background(), o)
		if err != nil || !ok {
			return err
		}
		return tx.AppendStatus(context.Background(), domain.StatusChange{
			OrderID: o.ID, Status: o.Status, ChangedBy: "order-service", Notes: "order created", ChangedAt: o.CreatedAt,
		})
	})
	require.NoError(t, err)
	return ok
}

func save(repo OrderRepositoryInterface, o *domain.Order) error {
	return repo.InTx(context.Background(), func(tx Tx) error {
		return tx.Save(context.Background(), o)
	})
}

// runRepositoryContract checks the behavior every store must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) OrderRepositoryInterface) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("insert and read back", func(t *testing.T) {
		repo := newRepo(t)
		o := newTestOrder("o-1", testKey, now)
		o.AppliedTaxes = []domain.AppliedTax{{Name: "VAT", Percent: decimal.NewFromInt(5), Amount: decimal.RequireFromString("1.25")}}
		require.True(t, insert(t, repo, o))

		got, err := repo.GetByID(ctx, testKey.TenantID, "o-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, testKey, got.Key())
		assert.Equal(t, "Asha", got.CustomerName)
		assert.Equal(t, domain.StatusPlaced, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, now.Equal(got.CreatedAt))
		require.Len(t, got.Items, 1)
		assert.Equal(t, "Dosa", got.Items[0].Name)
		assert.True(t, got.Items[0].PriceAtOrder.Equal(decimal.NewFromInt(100)))
		require.Len(t, got.AppliedTaxes, 1)
		assert.True(t, got.AppliedTaxes[0].Amount.Equal(decimal.RequireFromString("1.25")))

		missing, err := repo.GetByID(ctx, "other-tenant", "o-1")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("second open order for a key is refused", func(t *testing.T) {
		repo := newRepo(t)
		require.True(t, insert(t, repo, newTestOrder("o-1", testKey, now)))
		assert.False(t, insert(t, repo, newTestOrder("o-2", testKey, now.Add(time.Second))))

		other := testKey
		other.SessionID = "sess2"
		assert.True(t, insert(t, repo, newTestOrder("o-3", other, now)))
	})

	t.Run("save checks the version", func(t *testing.T) {
		repo := newRepo(t)
		require.True(t, insert(t, repo, newTestOrder("o-1", testKey, now)))

		o, err := repo.GetByID(ctx, testKey.TenantID, "o-1")
		require.NoError(t, err)
		stale := o.Clone()

		o.Items[0].Quantity = 3
		o.Items = append(o.Items, domain.OrderItem{
			MenuItemID: "B", Quantity: 2, PriceAtOrder: decimal.NewFromInt(50), Status: domain.StatusPlaced,
		})
		require.NoError(t, save(repo, o))
		assert.Equal(t, int64(2), o.Version)

		stale.Status = domain.StatusServed
		assert.True(t, errors.Is(save(repo, stale), ErrStale))

		got, err := repo.GetByID(ctx, testKey.TenantID, "o-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPlaced, got.Status)
		require.Len(t, got.Items, 2)
		assert.Equal(t, 3, got.Items[0].Quantity)
		assert.Equal(t, "B", got.Items[1].MenuItemID)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("failed callback leaves nothing behind", func(t *testing.T) {
		repo := newRepo(t)
		boom := errors.New("boom")
		err := repo.InTx(ctx, func(tx Tx) error {
			ok, err := tx.Insert(ctx, newTestOrder("o-1", testKey, now))
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, tx.RecordSubmission(ctx, Submission{
				TenantID: testKey.TenantID, IdempotencyKey: "k1", OrderID: "o-1", Result: domain.ResultCreated, CreatedAt: now,
			}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.GetByID(ctx, testKey.TenantID, "o-1")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.True(t, insert(t, repo, newTestOrder("o-2", testKey, now)), "the key is free again")

		err = repo.InTx(ctx, func(tx Tx) error {
			sub, err := tx.FindSubmission(ctx, testKey.TenantID, "k1")
			assert.Nil(t, sub)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("complete orders free the key", func(t *testing.T) {
		repo := newRepo(t)
		require.True(t, insert(t, repo, newTestOrder("o-1", testKey, now)))
		o, err := repo.GetByID(ctx, testKey.TenantID, "o-1")
		require.NoError(t, err)
		o.IsOrderComplete = true
		o.PaymentStatus = domain.PaymentPaid
		o.Status = domain.StatusBilled
		require.NoError(t, save(repo, o))

		latest, err := repo.GetLatestBySession(ctx, testKey.TenantID, testKey.SessionID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "o-1", latest.ID)

		require.True(t, insert(t, repo, newTestOrder("o-2", testKey, now.Add(-time.Hour))))
		latest, err = repo.GetLatestBySession(ctx, testKey.TenantID, testKey.SessionID)
		require.NoError(t, err)
		assert.Equal(t, "o-2", latest.ID, "an open order wins over a newer complete one")

		err = repo.InTx(ctx, func(tx Tx) error {
			found, err := tx.FindLatestByKey(ctx, testKey)
			if err != nil {
				return err
			}
			assert.Equal(t, "o-2", found.ID)
			return nil
		})
		require.NoError(t, err)

		none, err := repo.GetLatestBySession(ctx, testKey.TenantID, "never")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("status log and submissions", func(t *testing.T) {
		repo := newRepo(t)
		require.True(t, insert(t, repo, newTestOrder("o-1", testKey, now)))
		err := repo.InTx(ctx, func(tx Tx) error {
			for i, st := range []domain.Status{domain.StatusPreparing, domain.StatusServed} {
				if err := tx.AppendStatus(ctx, domain.StatusChange{
					OrderID: "o-1", Status: st, ChangedBy: "kitchen", ChangedAt: now.Add(time.Duration(i+1) * time.Minute),
				}); err != nil {
					return err
				}
			}
			return tx.RecordSubmission(ctx, Submission{
				TenantID: testKey.TenantID, IdempotencyKey: "k1", OrderID: "o-1", Result: domain.ResultMerged, CreatedAt: now,
			})
		})
		require.NoError(t, err)

		all, err := repo.Timeline(ctx, testKey.TenantID, "o-1", 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, domain.StatusPlaced, all[0].Status)
		assert.Equal(t, "order created", all[0].Notes)
		assert.Equal(t, domain.StatusServed, all[2].Status)

		page, err := repo.Timeline(ctx, testKey.TenantID, "o-1", 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, domain.StatusPreparing, page[0].Status)

		foreign, err := repo.Timeline(ctx, "other-tenant", "o-1", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, foreign)

		err = repo.InTx(ctx, func(tx Tx) error {
			sub, err := tx.FindSubmission(ctx, testKey.TenantID, "k1")
			if err != nil {
				return err
			}
			require.NotNil(t, sub)
			assert.Equal(t, "o-1", sub.OrderID)
			assert.Equal(t, domain.ResultMerged, sub.Result)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newRepo(t).Ping(ctx))
	})
}
