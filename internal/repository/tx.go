package repository

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Transactor 本地数据库事务
//
// 事务句柄放在 context 里向下传递，仓储方法通过 conn 取用，
// 这样余额、补贴池、流水、消息表的写入可以由上层自由组合进同一个事务
type Transactor struct {
	db *gorm.DB
}

func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// InTx 在事务中执行 fn；ctx 中已有事务时直接加入
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn 有事务用事务，否则用 db
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}
