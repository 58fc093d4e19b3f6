package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"covermarket/internal/currency"
	"covermarket/internal/feemath"
	"covermarket/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	// What is one of requests, offers, covers, claims or withdrawals.
	What    string
	Limit   int
	Account common.Address
}

// ShowKinds lists the record kinds Show understands.
var ShowKinds = []string{"requests", "offers", "covers", "claims", "withdrawals"}

// Show prints recent marketplace records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	currencies, err := a.newCurrencies(storage.NewLedger(store))
	if err != nil {
		return err
	}
	return a.show(ctx, store, currencies, opts)
}

func (a *App) show(ctx context.Context, store storage.Store, currencies *currency.Registry, opts ShowOptions) error {
	p := printer{currencies: currencies}
	writer := tabwriter.NewWriter(a.stdout(), 0, 4, 2, ' ', 0)

	err := store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		switch strings.ToLower(opts.What) {
		case "requests":
			rows, err := tx.ListRequests(ctx, storage.ListingFilter{Owner: opts.Account, Limit: opts.Limit})
			if err != nil {
				return err
			}
			return p.requests(writer, rows)
		case "offers":
			rows, err := tx.ListOffers(ctx, storage.ListingFilter{Owner: opts.Account, Limit: opts.Limit})
			if err != nil {
				return err
			}
			return p.offers(writer, rows)
		case "covers":
			rows, err := tx.ListCovers(ctx, storage.CoverFilter{Holder: opts.Account})
			if err != nil {
				return err
			}
			return p.covers(writer, newest(rows, opts.Limit))
		case "claims":
			rows, err := tx.ListClaims(ctx, storage.ClaimFilter{Holder: opts.Account})
			if err != nil {
				return err
			}
			return p.claims(writer, newest(rows, opts.Limit))
		case "withdrawals":
			rows, err := tx.ListWithdrawals(ctx, opts.Limit)
			if err != nil {
				return err
			}
			return p.withdrawals(writer, rows)
		default:
			return fmt.Errorf("unknown record kind %q (want one of %s)", opts.What, strings.Join(ShowKinds, ", "))
		}
	})
	if err != nil {
		return err
	}
	return writer.Flush()
}

func newest[T any](rows []T, limit int) []T {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	return rows[len(rows)-limit:]
}

type printer struct {
	currencies *currency.Registry
}

func (p printer) amount(id currency.ID, v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	token, err := p.currencies.Get(id)
	if err != nil {
		return v.Dec()
	}
	return feemath.ToDecimal(v, token.Decimals()).String() + " " + token.Symbol()
}

func empty(w io.Writer, n int) bool {
	if n == 0 {
		fmt.Fprintln(w, "no records found")
		return true
	}
	return false
}

func (p printer) requests(w io.Writer, rows []storage.CoverRequest) error {
	if empty(w, len(rows)) {
		return nil
	}
	fmt.Fprintln(w, "ID\tHolder\tCoin\tInsured\tTarget\tPremium\tMonths\tRule\tExpires (UTC)")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Holder.Hex(), r.CoinID,
			p.amount(r.InsuredSumCurrency, r.InsuredSum),
			p.amount(r.InsuredSumCurrency, r.InsuredSumTarget),
			p.amount(r.PremiumCurrency, r.PremiumSum),
			r.CoverMonths, r.Rule, formatTime(r.ExpiredAt))
	}
	return nil
}

func (p printer) offers(w io.Writer, rows []storage.CoverOffer) error {
	if empty(w, len(rows)) {
		return nil
	}
	fmt.Fprintln(w, "ID\tFunder\tCoin\tInsured\tCost/month\tMin months\tRule\tExpires (UTC)")
	for _, o := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			o.ID, o.Funder.Hex(), o.CoinID,
			p.amount(o.InsuredSumCurrency, o.InsuredSum),
			p.amount(o.PremiumCurrency, o.CostPerMonth),
			o.MinCoverMonths, o.Rule, formatTime(o.ExpiredAt))
	}
	return nil
}

func (p printer) covers(w io.Writer, rows []storage.Cover) error {
	if empty(w, len(rows)) {
		return nil
	}
	fmt.Fprintln(w, "ID\tListing\tHolder\tFunder\tInsured\tPremium\tStart (UTC)\tEnd (UTC)")
	for _, c := range rows {
		fmt.Fprintf(w, "%d\t%s#%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.ListingType, c.ListingID, c.Holder.Hex(), c.Funder.Hex(),
			p.amount(c.InsuredSumCurrency, c.InsuredSum),
			p.amount(c.PremiumCurrency, c.PremiumSum),
			formatTime(c.StartAt), formatTime(c.EndAt))
	}
	return nil
}

func (p printer) claims(w io.Writer, rows []storage.Claim) error {
	if empty(w, len(rows)) {
		return nil
	}
	fmt.Fprintln(w, "ID\tCover\tRound\tEvent (UTC)\tState\tPayout\tBatch")
	for _, c := range rows {
		batch := "-"
		if c.BatchID != uuid.Nil {
			batch = c.BatchID.String()
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.CoverID, c.Round, formatTime(c.EventAt), c.State,
			p.amount(c.PayoutCurrency, c.Payout), batch)
	}
	return nil
}

func (p printer) withdrawals(w io.Writer, rows []storage.Withdrawal) error {
	if empty(w, len(rows)) {
		return nil
	}
	fmt.Fprintln(w, "ID\tKind\tRef\tAccount\tAmount\tDev fee\tAt (UTC)")
	for _, wd := range rows {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			wd.ID, wd.Kind, wd.RefID, wd.Account.Hex(),
			p.amount(wd.Currency, wd.Amount),
			p.amount(wd.Currency, wd.DevFee),
			formatTime(wd.CreatedAt))
	}
	return nil
}
