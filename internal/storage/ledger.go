package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"covermarket/internal/currency"
)

// Ledger exposes the balances kept by a Store. Each call is its own unit of
// work; engines that move funds alongside records apply transfers to their Tx.
type Ledger struct {
	store Store
}

// NewLedger binds a ledger to store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Settle applies transfers in one unit of work.
func (l *Ledger) Settle(ctx context.Context, transfers []currency.Transfer) error {
	return l.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return currency.Apply(ctx, tx, transfers)
	})
}

// Mint credits amount to owner.
func (l *Ledger) Mint(ctx context.Context, id currency.ID, owner common.Address, amount *uint256.Int) error {
	return l.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return currency.Credit(ctx, tx, id, owner, amount)
	})
}

// BalanceOf returns owner's committed balance.
func (l *Ledger) BalanceOf(ctx context.Context, id currency.ID, owner common.Address) (*uint256.Int, error) {
	var acct currency.Account
	err := l.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		acct, err = tx.Account(ctx, id, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	if acct.Balance == nil {
		return new(uint256.Int), nil
	}
	return acct.Balance, nil
}

// Nonce returns the number of debits applied to owner.
func (l *Ledger) Nonce(ctx context.Context, id currency.ID, owner common.Address) (uint64, error) {
	var acct currency.Account
	err := l.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		acct, err = tx.Account(ctx, id, owner)
		return err
	})
	return acct.Nonce, err
}

var _ currency.Accounts = (*Ledger)(nil)
