package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"covermarket/internal/currency"
	"covermarket/internal/roundid"
)

const (
	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`
	tryAdvisoryLockSQL  = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL   = `SELECT pg_advisory_unlock($1);`

	requestColumns = `id, holder, coin_id, insured_sum, insured_sum_target, insured_sum_currency,
        premium_sum, premium_currency, cover_months, expired_at, cover_type, territory_ids,
        insured_sum_rule, listing_fee, created_at`

	insertRequestSQL = `INSERT INTO cover_requests (
        holder, coin_id, insured_sum, insured_sum_target, insured_sum_currency,
        premium_sum, premium_currency, cover_months, expired_at, cover_type,
        territory_ids, insured_sum_rule, listing_fee, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    ) RETURNING id;`

	getRequestSQL   = `SELECT ` + requestColumns + ` FROM cover_requests WHERE id = $1;`
	listRequestsSQL = `SELECT ` + requestColumns + ` FROM (
        SELECT * FROM cover_requests
        WHERE ($1::text IS NULL OR holder = $1)
        ORDER BY id DESC
        LIMIT $2
    ) r ORDER BY id;`

	offerColumns = `id, funder, coin_id, min_cover_months, insured_sum, insured_sum_currency,
        cost_per_month, premium_currency, expired_at, cover_type, territory_ids,
        insured_sum_rule, listing_fee, created_at`

	insertOfferSQL = `INSERT INTO cover_offers (
        funder, coin_id, min_cover_months, insured_sum, insured_sum_currency,
        cost_per_month, premium_currency, expired_at, cover_type, territory_ids,
        insured_sum_rule, listing_fee, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    ) RETURNING id;`

	getOfferSQL   = `SELECT ` + offerColumns + ` FROM cover_offers WHERE id = $1;`
	listOffersSQL = `SELECT ` + offerColumns + ` FROM (
        SELECT * FROM cover_offers
        WHERE ($1::text IS NULL OR funder = $1)
        ORDER BY id DESC
        LIMIT $2
    ) o ORDER BY id;`

	bookingColumns = `id, listing_type, listing_id, provider, funding_sum, cover_qty, asset_price, created_at`

	insertBookingSQL = `INSERT INTO bookings (
        listing_type, listing_id, provider, funding_sum, cover_qty, asset_price, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    ) RETURNING id;`

	getBookingSQL   = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1;`
	listBookingsSQL = `SELECT ` + bookingColumns + ` FROM bookings
    WHERE ($1::smallint IS NULL OR listing_type = $1)
      AND ($2::bigint IS NULL OR listing_id = $2)
      AND ($3::text IS NULL OR provider = $3)
    ORDER BY id;`

	coverColumns = `id, listing_type, listing_id, booking_id, coin_id, holder, funder, insured_sum,
        insured_sum_currency, cover_qty, cover_months, premium_sum, premium_currency,
        start_at, end_at, created_at`

	insertCoverSQL = `INSERT INTO covers (
        listing_type, listing_id, booking_id, coin_id, holder, funder, insured_sum,
        insured_sum_currency, cover_qty, cover_months, premium_sum, premium_currency,
        start_at, end_at, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    ) RETURNING id;`

	getCoverSQL   = `SELECT ` + coverColumns + ` FROM covers WHERE id = $1;`
	listCoversSQL = `SELECT ` + coverColumns + ` FROM covers
    WHERE ($1::smallint IS NULL OR listing_type = $1)
      AND ($2::bigint IS NULL OR listing_id = $2)
      AND ($3::bigint IS NULL OR booking_id = $3)
      AND ($4::text IS NULL OR holder = $4)
      AND ($5::text IS NULL OR funder = $5)
    ORDER BY id;`

	claimColumns = `id, batch_id, cover_id, listing_type, listing_id, holder, funder, round_id,
        event_at, asset_price, price_decimals, payout, payout_currency, state, created_at, resolved_at`

	insertClaimSQL = `INSERT INTO claims (
        batch_id, cover_id, listing_type, listing_id, holder, funder, round_id, event_at,
        asset_price, price_decimals, payout, payout_currency, state, created_at, resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    ) RETURNING id;`

	updateClaimSQL = `UPDATE claims
    SET asset_price = $2,
        price_decimals = $3,
        payout = $4,
        state = $5,
        resolved_at = $6
    WHERE id = $1;`

	getClaimSQL   = `SELECT ` + claimColumns + ` FROM claims WHERE id = $1;`
	listClaimsSQL = `SELECT ` + claimColumns + ` FROM claims
    WHERE ($1::bigint IS NULL OR cover_id = $1)
      AND ($2::smallint IS NULL OR listing_type = $2)
      AND ($3::text IS NULL OR holder = $3)
      AND ($4::text IS NULL OR funder = $4)
      AND ($5::text IS NULL OR batch_id = $5)
      AND ($6::smallint[] IS NULL OR state = ANY($6))
    ORDER BY id;`

	insertWithdrawalSQL = `INSERT INTO withdrawals (
        kind, ref_id, account, currency, amount, dev_fee, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    ) RETURNING id;`

	hasWithdrawalSQL   = `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE kind = $1 AND ref_id = $2);`
	listWithdrawalsSQL = `SELECT id, kind, ref_id, account, currency, amount, dev_fee, created_at
    FROM (SELECT * FROM withdrawals ORDER BY id DESC LIMIT $1) w ORDER BY id;`
	uniqueViolationCode = "23505"

	getAccountSQL = `SELECT balance::text, nonce FROM accounts WHERE currency = $1 AND owner = $2;`
	putAccountSQL = `INSERT INTO accounts (currency, owner, balance, nonce, updated_at)
    VALUES ($1, $2, $3, $4, now())
    ON CONFLICT (currency, owner) DO UPDATE
    SET balance = EXCLUDED.balance,
        nonce = EXCLUDED.nonce,
        updated_at = EXCLUDED.updated_at;`
)

// PostgresStore persists marketplace records in PostgreSQL. Every Atomic unit
// runs in one transaction holding a transaction-scoped advisory lock.
type PostgresStore struct {
	pool    *pgxpool.Pool
	lockKey int64
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, lockKey int64) *PostgresStore {
	return &PostgresStore{pool: pool, lockKey: lockKey}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Atomic implements Store.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, s.lockKey); err != nil {
		return fmt.Errorf("advisory xact lock: %w", err)
	}
	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// View implements Store.
func (s *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(ctx, &pgTx{q: tx})
}

// TryAdvisoryLock attempts to acquire a session advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q querier
}

func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid integer %q", field, s)
	}
	return v, nil
}

func addressArg(a common.Address) any {
	if a == zeroAddress {
		return nil
	}
	return a.Hex()
}

func territories(ids []uint16) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func fromTerritories(ids []int32) []uint16 {
	out := make([]uint16, len(ids))
	for i, id := range ids {
		out[i] = uint16(id)
	}
	return out
}

func notFound(err error, what string, id uint64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %d: %w", what, id, err)
}

func (t *pgTx) InsertRequest(ctx context.Context, req *CoverRequest) error {
	row := t.q.QueryRow(ctx, insertRequestSQL,
		req.Holder.Hex(),
		req.CoinID,
		amountText(req.InsuredSum),
		amountText(req.InsuredSumTarget),
		int16(req.InsuredSumCurrency),
		amountText(req.PremiumSum),
		int16(req.PremiumCurrency),
		int16(req.CoverMonths),
		req.ExpiredAt,
		int16(req.Limit.CoverType),
		territories(req.Limit.TerritoryIDs),
		int16(req.Rule),
		amountText(req.ListingFee),
		req.CreatedAt,
	)
	if err := row.Scan(&req.ID); err != nil {
		return fmt.Errorf("insert cover request: %w", err)
	}
	return nil
}

func (t *pgTx) GetRequest(ctx context.Context, id uint64) (CoverRequest, error) {
	req, err := scanRequest(t.q.QueryRow(ctx, getRequestSQL, int64(id)))
	if err != nil {
		return CoverRequest{}, notFound(err, "request", id)
	}
	return req, nil
}

func (t *pgTx) ListRequests(ctx context.Context, filter ListingFilter) ([]CoverRequest, error) {
	rows, err := t.q.Query(ctx, listRequestsSQL, addressArg(filter.Owner), limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list cover requests: %w", err)
	}
	defer rows.Close()

	out := make([]CoverRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOffer(ctx context.Context, offer *CoverOffer) error {
	row := t.q.QueryRow(ctx, insertOfferSQL,
		offer.Funder.Hex(),
		offer.CoinID,
		int16(offer.MinCoverMonths),
		amountText(offer.InsuredSum),
		int16(offer.InsuredSumCurrency),
		amountText(offer.CostPerMonth),
		int16(offer.PremiumCurrency),
		offer.ExpiredAt,
		int16(offer.Limit.CoverType),
		territories(offer.Limit.TerritoryIDs),
		int16(offer.Rule),
		amountText(offer.ListingFee),
		offer.CreatedAt,
	)
	if err := row.Scan(&offer.ID); err != nil {
		return fmt.Errorf("insert cover offer: %w", err)
	}
	return nil
}

func (t *pgTx) GetOffer(ctx context.Context, id uint64) (CoverOffer, error) {
	offer, err := scanOffer(t.q.QueryRow(ctx, getOfferSQL, int64(id)))
	if err != nil {
		return CoverOffer{}, notFound(err, "offer", id)
	}
	return offer, nil
}

func (t *pgTx) ListOffers(ctx context.Context, filter ListingFilter) ([]CoverOffer, error) {
	rows, err := t.q.Query(ctx, listOffersSQL, addressArg(filter.Owner), limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list cover offers: %w", err)
	}
	defer rows.Close()

	out := make([]CoverOffer, 0)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, offer)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertBooking(ctx context.Context, b *Booking) error {
	row := t.q.QueryRow(ctx, insertBookingSQL,
		int16(b.ListingType),
		int64(b.ListingID),
		b.Provider.Hex(),
		amountText(b.FundingSum),
		amountText(b.CoverQty),
		bigText(b.AssetPrice),
		b.CreatedAt,
	)
	if err := row.Scan(&b.ID); err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (t *pgTx) GetBooking(ctx context.Context, id uint64) (Booking, error) {
	b, err := scanBooking(t.q.QueryRow(ctx, getBookingSQL, int64(id)))
	if err != nil {
		return Booking{}, notFound(err, "booking", id)
	}
	return b, nil
}

func (t *pgTx) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	var listingType, listingID any
	if filter.Type != nil {
		listingType = int16(*filter.Type)
	}
	if filter.Listing != nil {
		listingType = int16(filter.Listing.Type)
		listingID = int64(filter.Listing.ID)
	}
	rows, err := t.q.Query(ctx, listBookingsSQL, listingType, listingID, addressArg(filter.Provider))
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	out := make([]Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertCover(ctx context.Context, c *Cover) error {
	row := t.q.QueryRow(ctx, insertCoverSQL,
		int16(c.ListingType),
		int64(c.ListingID),
		int64(c.BookingID),
		c.CoinID,
		c.Holder.Hex(),
		c.Funder.Hex(),
		amountText(c.InsuredSum),
		int16(c.InsuredSumCurrency),
		amountText(c.CoverQty),
		int16(c.CoverMonths),
		amountText(c.PremiumSum),
		int16(c.PremiumCurrency),
		c.StartAt,
		c.EndAt,
		c.CreatedAt,
	)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("insert cover: %w", err)
	}
	return nil
}

func (t *pgTx) GetCover(ctx context.Context, id uint64) (Cover, error) {
	c, err := scanCover(t.q.QueryRow(ctx, getCoverSQL, int64(id)))
	if err != nil {
		return Cover{}, notFound(err, "cover", id)
	}
	return c, nil
}

func (t *pgTx) ListCovers(ctx context.Context, filter CoverFilter) ([]Cover, error) {
	var listingType, listingID, bookingID any
	if filter.Listing != nil {
		listingType = int16(filter.Listing.Type)
		listingID = int64(filter.Listing.ID)
	}
	if filter.BookingID != 0 {
		bookingID = int64(filter.BookingID)
	}
	rows, err := t.q.Query(ctx, listCoversSQL, listingType, listingID, bookingID, addressArg(filter.Holder), addressArg(filter.Funder))
	if err != nil {
		return nil, fmt.Errorf("list covers: %w", err)
	}
	defer rows.Close()

	out := make([]Cover, 0)
	for rows.Next() {
		c, err := scanCover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func batchText(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func (t *pgTx) InsertClaim(ctx context.Context, c *Claim) error {
	row := t.q.QueryRow(ctx, insertClaimSQL,
		batchText(c.BatchID),
		int64(c.CoverID),
		int16(c.ListingType),
		int64(c.ListingID),
		c.Holder.Hex(),
		c.Funder.Hex(),
		c.Round.String(),
		c.EventAt,
		bigText(c.AssetPrice),
		int16(c.PriceDecimals),
		amountText(c.Payout),
		int16(c.PayoutCurrency),
		int16(c.State),
		c.CreatedAt,
		c.ResolvedAt,
	)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateClaim(ctx context.Context, c Claim) error {
	tag, err := t.q.Exec(ctx, updateClaimSQL,
		int64(c.ID),
		bigText(c.AssetPrice),
		int16(c.PriceDecimals),
		amountText(c.Payout),
		int16(c.State),
		c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetClaim(ctx context.Context, id uint64) (Claim, error) {
	c, err := scanClaim(t.q.QueryRow(ctx, getClaimSQL, int64(id)))
	if err != nil {
		return Claim{}, notFound(err, "claim", id)
	}
	return c, nil
}

func (t *pgTx) ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error) {
	var coverID, listingType, batchID, states any
	if filter.CoverID != 0 {
		coverID = int64(filter.CoverID)
	}
	if filter.ListingType != nil {
		listingType = int16(*filter.ListingType)
	}
	if filter.BatchID != uuid.Nil {
		batchID = filter.BatchID.String()
	}
	if len(filter.States) > 0 {
		codes := make([]int16, len(filter.States))
		for i, s := range filter.States {
			codes[i] = int16(s)
		}
		states = codes
	}
	rows, err := t.q.Query(ctx, listClaimsSQL, coverID, listingType, addressArg(filter.Holder), addressArg(filter.Funder), batchID, states)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	out := make([]Claim, 0)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	row := t.q.QueryRow(ctx, insertWithdrawalSQL,
		string(w.Kind),
		int64(w.RefID),
		w.Account.Hex(),
		int16(w.Currency),
		amountText(w.Amount),
		amountText(w.DevFee),
		w.CreatedAt,
	)
	if err := row.Scan(&w.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%s %d: %w", w.Kind, w.RefID, ErrDuplicateWithdrawal)
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (t *pgTx) HasWithdrawal(ctx context.Context, kind WithdrawalKind, refID uint64) (bool, error) {
	var exists bool
	if err := t.q.QueryRow(ctx, hasWithdrawalSQL, string(kind), int64(refID)).Scan(&exists); err != nil {
		return false, fmt.Errorf("has withdrawal: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ListWithdrawals(ctx context.Context, limit int) ([]Withdrawal, error) {
	rows, err := t.q.Query(ctx, listWithdrawalsSQL, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]Withdrawal, 0)
	for rows.Next() {
		var (
			w                 Withdrawal
			kind, account     string
			cur               int16
			amountStr, feeStr string
		)
		if err := rows.Scan(&w.ID, &kind, &w.RefID, &account, &cur, &amountStr, &feeStr, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Kind = WithdrawalKind(kind)
		w.Account = common.HexToAddress(account)
		w.Currency = currency.ID(cur)
		if w.Amount, err = parseAmount("withdrawal amount", amountStr); err != nil {
			return nil, err
		}
		if w.DevFee, err = parseAmount("withdrawal dev fee", feeStr); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Account implements currency.Book. A missing row is an empty account.
func (t *pgTx) Account(ctx context.Context, id currency.ID, owner common.Address) (currency.Account, error) {
	var (
		balance string
		nonce   int64
	)
	err := t.q.QueryRow(ctx, getAccountSQL, int16(id), owner.Hex()).Scan(&balance, &nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return currency.Account{Balance: new(uint256.Int)}, nil
	}
	if err != nil {
		return currency.Account{}, fmt.Errorf("get account %s/%d: %w", owner.Hex(), id, err)
	}
	amount, err := parseAmount("account balance", balance)
	if err != nil {
		return currency.Account{}, err
	}
	return currency.Account{Balance: amount, Nonce: uint64(nonce)}, nil
}

// PutAccount implements currency.Book.
func (t *pgTx) PutAccount(ctx context.Context, id currency.ID, owner common.Address, acct currency.Account) error {
	if _, err := t.q.Exec(ctx, putAccountSQL, int16(id), owner.Hex(), amountText(acct.Balance), int64(acct.Nonce)); err != nil {
		return fmt.Errorf("put account %s/%d: %w", owner.Hex(), id, err)
	}
	return nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func scanRequest(row pgx.Row) (CoverRequest, error) {
	var (
		req                                         CoverRequest
		holder                                      string
		sumStr, targetStr, premiumStr, feeStr       string
		sumCur, premiumCur, months, coverType, rule int16
		territoryIDs                                []int32
	)
	if err := row.Scan(
		&req.ID,
		&holder,
		&req.CoinID,
		&sumStr,
		&targetStr,
		&sumCur,
		&premiumStr,
		&premiumCur,
		&months,
		&req.ExpiredAt,
		&coverType,
		&territoryIDs,
		&rule,
		&feeStr,
		&req.CreatedAt,
	); err != nil {
		return CoverRequest{}, err
	}

	var err error
	if req.InsuredSum, err = parseAmount("insured sum", sumStr); err != nil {
		return CoverRequest{}, err
	}
	if req.InsuredSumTarget, err = parseAmount("insured sum target", targetStr); err != nil {
		return CoverRequest{}, err
	}
	if req.PremiumSum, err = parseAmount("premium sum", premiumStr); err != nil {
		return CoverRequest{}, err
	}
	if req.ListingFee, err = parseAmount("listing fee", feeStr); err != nil {
		return CoverRequest{}, err
	}
	req.Holder = common.HexToAddress(holder)
	req.InsuredSumCurrency = currency.ID(sumCur)
	req.PremiumCurrency = currency.ID(premiumCur)
	req.CoverMonths = uint8(months)
	req.Limit = CoverLimit{CoverType: uint8(coverType), TerritoryIDs: fromTerritories(territoryIDs)}
	req.Rule = InsuredSumRule(rule)
	return req, nil
}

func scanOffer(row pgx.Row) (CoverOffer, error) {
	var (
		offer                                       CoverOffer
		funder                                      string
		sumStr, costStr, feeStr                     string
		months, sumCur, premiumCur, coverType, rule int16
		territoryIDs                                []int32
	)
	if err := row.Scan(
		&offer.ID,
		&funder,
		&offer.CoinID,
		&months,
		&sumStr,
		&sumCur,
		&costStr,
		&premiumCur,
		&offer.ExpiredAt,
		&coverType,
		&territoryIDs,
		&rule,
		&feeStr,
		&offer.CreatedAt,
	); err != nil {
		return CoverOffer{}, err
	}

	var err error
	if offer.InsuredSum, err = parseAmount("insured sum", sumStr); err != nil {
		return CoverOffer{}, err
	}
	if offer.CostPerMonth, err = parseAmount("cost per month", costStr); err != nil {
		return CoverOffer{}, err
	}
	if offer.ListingFee, err = parseAmount("listing fee", feeStr); err != nil {
		return CoverOffer{}, err
	}
	offer.Funder = common.HexToAddress(funder)
	offer.MinCoverMonths = uint8(months)
	offer.InsuredSumCurrency = currency.ID(sumCur)
	offer.PremiumCurrency = currency.ID(premiumCur)
	offer.Limit = CoverLimit{CoverType: uint8(coverType), TerritoryIDs: fromTerritories(territoryIDs)}
	offer.Rule = InsuredSumRule(rule)
	return offer, nil
}

func scanBooking(row pgx.Row) (Booking, error) {
	var (
		b                            Booking
		listingType                  int16
		provider                     string
		fundingStr, qtyStr, priceStr string
	)
	if err := row.Scan(&b.ID, &listingType, &b.ListingID, &provider, &fundingStr, &qtyStr, &priceStr, &b.CreatedAt); err != nil {
		return Booking{}, err
	}

	var err error
	if b.FundingSum, err = parseAmount("funding sum", fundingStr); err != nil {
		return Booking{}, err
	}
	if b.CoverQty, err = parseAmount("cover qty", qtyStr); err != nil {
		return Booking{}, err
	}
	if b.AssetPrice, err = parseBig("asset price", priceStr); err != nil {
		return Booking{}, err
	}
	b.ListingType = ListingType(listingType)
	b.Provider = common.HexToAddress(provider)
	return b, nil
}

func scanCover(row pgx.Row) (Cover, error) {
	var (
		c                                   Cover
		listingType, sumCur, months, preCur int16
		holder, funder                      string
		sumStr, qtyStr, premiumStr          string
	)
	if err := row.Scan(
		&c.ID,
		&listingType,
		&c.ListingID,
		&c.BookingID,
		&c.CoinID,
		&holder,
		&funder,
		&sumStr,
		&sumCur,
		&qtyStr,
		&months,
		&premiumStr,
		&preCur,
		&c.StartAt,
		&c.EndAt,
		&c.CreatedAt,
	); err != nil {
		return Cover{}, err
	}

	var err error
	if c.InsuredSum, err = parseAmount("insured sum", sumStr); err != nil {
		return Cover{}, err
	}
	if c.CoverQty, err = parseAmount("cover qty", qtyStr); err != nil {
		return Cover{}, err
	}
	if c.PremiumSum, err = parseAmount("premium sum", premiumStr); err != nil {
		return Cover{}, err
	}
	c.ListingType = ListingType(listingType)
	c.Holder = common.HexToAddress(holder)
	c.Funder = common.HexToAddress(funder)
	c.InsuredSumCurrency = currency.ID(sumCur)
	c.CoverMonths = uint8(months)
	c.PremiumCurrency = currency.ID(preCur)
	return c, nil
}

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c                                 Claim
		batch, holder, funder             string
		listingType, decimals, cur, state int16
		roundStr, priceStr, payoutStr     string
		resolvedAt                        *time.Time
	)
	if err := row.Scan(
		&c.ID,
		&batch,
		&c.CoverID,
		&listingType,
		&c.ListingID,
		&holder,
		&funder,
		&roundStr,
		&c.EventAt,
		&priceStr,
		&decimals,
		&payoutStr,
		&cur,
		&state,
		&c.CreatedAt,
		&resolvedAt,
	); err != nil {
		return Claim{}, err
	}

	var err error
	if batch != "" {
		if c.BatchID, err = uuid.Parse(batch); err != nil {
			return Claim{}, fmt.Errorf("parse batch id: %w", err)
		}
	}
	if c.Round, err = roundid.ParseString(roundStr); err != nil {
		return Claim{}, err
	}
	if c.AssetPrice, err = parseBig("asset price", priceStr); err != nil {
		return Claim{}, err
	}
	if c.Payout, err = parseAmount("payout", payoutStr); err != nil {
		return Claim{}, err
	}
	c.ListingType = ListingType(listingType)
	c.Holder = common.HexToAddress(holder)
	c.Funder = common.HexToAddress(funder)
	c.PriceDecimals = uint8(decimals)
	c.PayoutCurrency = currency.ID(cur)
	c.State = ClaimState(state)
	c.ResolvedAt = resolvedAt
	return c, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
	_ Tx             = (*pgTx)(nil)
)
