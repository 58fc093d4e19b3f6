package currency

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when a batch would overdraw an account.
	ErrInsufficientBalance = errors.New("currency: insufficient balance")
	// ErrOverflow is returned when a credit would overflow an account.
	ErrOverflow = errors.New("currency: balance overflow")
)

// Transfer is one token movement.
type Transfer struct {
	Currency ID
	From     common.Address
	To       common.Address
	Amount   *uint256.Int
}

// Account is the balance and debit count of one owner in one currency.
type Account struct {
	Balance *uint256.Int
	// Nonce counts the debits applied to the account.
	Nonce uint64
}

// Book reads and writes accounts. Implementations are scoped to one unit of
// work; the store's transaction decides whether the writes survive.
type Book interface {
	Account(ctx context.Context, id ID, owner common.Address) (Account, error)
	PutAccount(ctx context.Context, id ID, owner common.Address, acct Account) error
}

// Settler applies a batch of transfers atomically.
type Settler interface {
	Settle(ctx context.Context, transfers []Transfer) error
}

// Accounts is a Settler that can also report balances.
type Accounts interface {
	Settler
	BalanceOf(ctx context.Context, id ID, owner common.Address) (*uint256.Int, error)
	Nonce(ctx context.Context, id ID, owner common.Address) (uint64, error)
}

type accountKey struct {
	currency ID
	owner    common.Address
}

// Apply validates every transfer against book and writes the resulting
// accounts only when the whole batch fits. Zero-amount transfers are skipped.
func Apply(ctx context.Context, book Book, transfers []Transfer) error {
	staged := make(map[accountKey]Account)
	var order []accountKey
	get := func(key accountKey) (Account, error) {
		if acct, ok := staged[key]; ok {
			return acct, nil
		}
		acct, err := book.Account(ctx, key.currency, key.owner)
		if err != nil {
			return Account{}, err
		}
		if acct.Balance == nil {
			acct.Balance = new(uint256.Int)
		}
		order = append(order, key)
		return acct, nil
	}

	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.IsZero() {
			continue
		}
		from := accountKey{tr.Currency, tr.From}
		src, err := get(from)
		if err != nil {
			return err
		}
		if src.Balance.Lt(tr.Amount) {
			return fmt.Errorf("%w: %s has %s of currency %d, needs %s", ErrInsufficientBalance, tr.From.Hex(), src.Balance.Dec(), tr.Currency, tr.Amount.Dec())
		}
		staged[from] = Account{Balance: new(uint256.Int).Sub(src.Balance, tr.Amount), Nonce: src.Nonce + 1}

		to := accountKey{tr.Currency, tr.To}
		dst, err := get(to)
		if err != nil {
			return err
		}
		sum, overflow := new(uint256.Int).AddOverflow(dst.Balance, tr.Amount)
		if overflow {
			return ErrOverflow
		}
		staged[to] = Account{Balance: sum, Nonce: dst.Nonce}
	}

	for _, key := range order {
		acct, ok := staged[key]
		if !ok {
			continue
		}
		if err := book.PutAccount(ctx, key.currency, key.owner, acct); err != nil {
			return err
		}
	}
	return nil
}

// Credit adds amount to owner out of thin air.
func Credit(ctx context.Context, book Book, id ID, owner common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	acct, err := book.Account(ctx, id, owner)
	if err != nil {
		return err
	}
	if acct.Balance == nil {
		acct.Balance = new(uint256.Int)
	}
	next, overflow := new(uint256.Int).AddOverflow(acct.Balance, amount)
	if overflow {
		return ErrOverflow
	}
	acct.Balance = next
	return book.PutAccount(ctx, id, owner, acct)
}
