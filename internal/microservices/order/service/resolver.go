package service

import (
	"context"

	"tableside/internal/microservices/order/domain"
)

// SessionResolver checks that a session key resolves before items are merged
// under it. Unknown keys should yield a NotFound error.
type SessionResolver interface {
	Resolve(ctx context.Context, key domain.Key) error
}

type ResolverFunc func(ctx context.Context, key domain.Key) error

func (f ResolverFunc) Resolve(ctx context.Context, key domain.Key) error { return f(ctx, key) }

// AllowAllResolver accepts every key. Used when no session directory is configured.
type AllowAllResolver struct{}

func (AllowAllResolver) Resolve(context.Context, domain.Key) error { return nil }
