// Package dbctx bundles a request-scoped context.Context with an optional
// in-flight GORM transaction, so repository methods can be called either
// standalone or as part of a caller-managed transaction.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// DB returns the transaction handle if one is set, otherwise falls back to
// the pool handle supplied by the caller.
func (c Context) DB(pool *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return pool
}

func Background(pool *gorm.DB) Context {
	return Context{Ctx: context.Background(), Tx: pool}
}
