package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tableside/internal/common/logger"
	"tableside/internal/microservices/order/domain"
)

// ErrStale is returned by Tx.Save when the order changed after it was read.
var ErrStale = errors.New("stale order version")

// Submission records a processed idempotency key.
type Submission struct {
	TenantID       string
	IdempotencyKey string
	OrderID        string
	Result         domain.SubmitResult
	CreatedAt      time.Time
}

// Tx is the unit of work handed to InTx. Nothing written through it is visible
// to other callers until the callback returns nil.
type Tx interface {
	// FindLatestByKey returns the newest order for key (open or complete), or nil.
	FindLatestByKey(ctx context.Context, key domain.Key) (*domain.Order, error)
	FindByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error)
	// Insert creates o unless an open order already holds o's key, in which case it returns false.
	Insert(ctx context.Context, o *domain.Order) (bool, error)
	// Save writes o if o.Version still matches the stored version and bumps it.
	Save(ctx context.Context, o *domain.Order) error
	AppendStatus(ctx context.Context, c domain.StatusChange) error
	FindSubmission(ctx context.Context, tenantID, idempotencyKey string) (*Submission, error)
	RecordSubmission(ctx context.Context, s Submission) error
}

type OrderRepositoryInterface interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetByID(ctx context.Context, tenantID, orderID string) (*domain.Order, error)
	GetLatestBySession(ctx context.Context, tenantID, sessionID string) (*domain.Order, error)
	Timeline(ctx context.Context, tenantID, orderID string, limit, offset int) ([]domain.StatusChange, error)
	Ping(ctx context.Context) error
}

type Repository struct {
	OrderRepo OrderRepositoryInterface
}

func New(db *sql.DB, dialect Dialect, lg *logger.Logger) *Repository {
	return &Repository{
		OrderRepo: NewOrderRepository(db, dialect, lg),
	}
}

func NewInMemory() *Repository {
	return &Repository{
		OrderRepo: NewMemoryRepository(),
	}
}
