package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles the request context with an optional transaction handle.
// Repos fall back to their own *gorm.DB when Tx is nil, so callers can run
// the same code inside or outside a transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func New(ctx context.Context) Context {
	return Context{Ctx: ctx}
}

func WithTx(ctx context.Context, tx *gorm.DB) Context {
	return Context{Ctx: ctx, Tx: tx}
}
