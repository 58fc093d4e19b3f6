package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"covermarket/internal/currency"
)

type memState struct {
	requests    map[uint64]CoverRequest
	offers      map[uint64]CoverOffer
	bookings    map[uint64]Booking
	covers      map[uint64]Cover
	claims      map[uint64]Claim
	withdrawals map[uint64]Withdrawal
	withdrawn   map[withdrawalKey]uint64
	accounts    map[accountKey]currency.Account
	seq         map[string]uint64
}

type accountKey struct {
	currency currency.ID
	owner    common.Address
}

type withdrawalKey struct {
	kind WithdrawalKind
	ref  uint64
}

func newMemState() *memState {
	return &memState{
		requests:    make(map[uint64]CoverRequest),
		offers:      make(map[uint64]CoverOffer),
		bookings:    make(map[uint64]Booking),
		covers:      make(map[uint64]Cover),
		claims:      make(map[uint64]Claim),
		withdrawals: make(map[uint64]Withdrawal),
		withdrawn:   make(map[withdrawalKey]uint64),
		accounts:    make(map[accountKey]currency.Account),
		seq:         make(map[string]uint64),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		requests:    cloneMap(s.requests),
		offers:      cloneMap(s.offers),
		bookings:    cloneMap(s.bookings),
		covers:      cloneMap(s.covers),
		claims:      cloneMap(s.claims),
		withdrawals: cloneMap(s.withdrawals),
		withdrawn:   cloneMap(s.withdrawn),
		accounts:    cloneMap(s.accounts),
		seq:         cloneMap(s.seq),
	}
}

func (s *memState) next(table string) uint64 {
	s.seq[table]++
	return s.seq[table]
}

// MemoryStore keeps every record in process. Writers are serialized by one
// mutex and run against a copy that replaces the live state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Atomic implements Store.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// View implements Store.
func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(ctx, &memTx{state: m.state, readOnly: true})
}

type memTx struct {
	state    *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return fmt.Errorf("storage: write inside read-only view")
	}
	return nil
}

func sortedValues[V any](in map[uint64]V, keep func(V) bool) []V {
	ids := make([]uint64, 0, len(in))
	for id, v := range in {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]V, 0, len(ids))
	for _, id := range ids {
		out = append(out, in[id])
	}
	return out
}

func limitNewest[V any](in []V, limit int) []V {
	if limit <= 0 || len(in) <= limit {
		return in
	}
	return in[len(in)-limit:]
}

func (t *memTx) InsertRequest(ctx context.Context, req *CoverRequest) error {
	if err := t.writable(); err != nil {
		return err
	}
	req.ID = t.state.next("requests")
	t.state.requests[req.ID] = *req
	return nil
}

func (t *memTx) GetRequest(ctx context.Context, id uint64) (CoverRequest, error) {
	req, ok := t.state.requests[id]
	if !ok {
		return CoverRequest{}, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return req, nil
}

func (t *memTx) ListRequests(ctx context.Context, filter ListingFilter) ([]CoverRequest, error) {
	out := sortedValues(t.state.requests, func(r CoverRequest) bool {
		return filter.Owner == zeroAddress || r.Holder == filter.Owner
	})
	return limitNewest(out, filter.Limit), nil
}

func (t *memTx) InsertOffer(ctx context.Context, offer *CoverOffer) error {
	if err := t.writable(); err != nil {
		return err
	}
	offer.ID = t.state.next("offers")
	t.state.offers[offer.ID] = *offer
	return nil
}

func (t *memTx) GetOffer(ctx context.Context, id uint64) (CoverOffer, error) {
	offer, ok := t.state.offers[id]
	if !ok {
		return CoverOffer{}, fmt.Errorf("offer %d: %w", id, ErrNotFound)
	}
	return offer, nil
}

func (t *memTx) ListOffers(ctx context.Context, filter ListingFilter) ([]CoverOffer, error) {
	out := sortedValues(t.state.offers, func(o CoverOffer) bool {
		return filter.Owner == zeroAddress || o.Funder == filter.Owner
	})
	return limitNewest(out, filter.Limit), nil
}

func (t *memTx) InsertBooking(ctx context.Context, booking *Booking) error {
	if err := t.writable(); err != nil {
		return err
	}
	booking.ID = t.state.next("bookings")
	t.state.bookings[booking.ID] = *booking
	return nil
}

func (t *memTx) GetBooking(ctx context.Context, id uint64) (Booking, error) {
	booking, ok := t.state.bookings[id]
	if !ok {
		return Booking{}, fmt.Errorf("booking %d: %w", id, ErrNotFound)
	}
	return booking, nil
}

func (t *memTx) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	return sortedValues(t.state.bookings, filter.matches), nil
}

func (t *memTx) InsertCover(ctx context.Context, cover *Cover) error {
	if err := t.writable(); err != nil {
		return err
	}
	cover.ID = t.state.next("covers")
	t.state.covers[cover.ID] = *cover
	return nil
}

func (t *memTx) GetCover(ctx context.Context, id uint64) (Cover, error) {
	cover, ok := t.state.covers[id]
	if !ok {
		return Cover{}, fmt.Errorf("cover %d: %w", id, ErrNotFound)
	}
	return cover, nil
}

func (t *memTx) ListCovers(ctx context.Context, filter CoverFilter) ([]Cover, error) {
	return sortedValues(t.state.covers, filter.matches), nil
}

func (t *memTx) InsertClaim(ctx context.Context, claim *Claim) error {
	if err := t.writable(); err != nil {
		return err
	}
	claim.ID = t.state.next("claims")
	t.state.claims[claim.ID] = *claim
	return nil
}

func (t *memTx) UpdateClaim(ctx context.Context, claim Claim) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.claims[claim.ID]; !ok {
		return fmt.Errorf("claim %d: %w", claim.ID, ErrNotFound)
	}
	t.state.claims[claim.ID] = claim
	return nil
}

func (t *memTx) GetClaim(ctx context.Context, id uint64) (Claim, error) {
	claim, ok := t.state.claims[id]
	if !ok {
		return Claim{}, fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	return claim, nil
}

func (t *memTx) ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error) {
	return sortedValues(t.state.claims, filter.matches), nil
}

func (t *memTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := withdrawalKey{w.Kind, w.RefID}
	if _, dup := t.state.withdrawn[key]; dup {
		return fmt.Errorf("%s %d: %w", w.Kind, w.RefID, ErrDuplicateWithdrawal)
	}
	w.ID = t.state.next("withdrawals")
	t.state.withdrawals[w.ID] = *w
	t.state.withdrawn[key] = w.ID
	return nil
}

func (t *memTx) HasWithdrawal(ctx context.Context, kind WithdrawalKind, refID uint64) (bool, error) {
	_, ok := t.state.withdrawn[withdrawalKey{kind, refID}]
	return ok, nil
}

func (t *memTx) ListWithdrawals(ctx context.Context, limit int) ([]Withdrawal, error) {
	return limitNewest(sortedValues(t.state.withdrawals, nil), limit), nil
}

func (t *memTx) Account(ctx context.Context, id currency.ID, owner common.Address) (currency.Account, error) {
	acct, ok := t.state.accounts[accountKey{id, owner}]
	if !ok {
		return currency.Account{Balance: new(uint256.Int)}, nil
	}
	return currency.Account{Balance: new(uint256.Int).Set(acct.Balance), Nonce: acct.Nonce}, nil
}

func (t *memTx) PutAccount(ctx context.Context, id currency.ID, owner common.Address, acct currency.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	balance := new(uint256.Int)
	if acct.Balance != nil {
		balance.Set(acct.Balance)
	}
	t.state.accounts[accountKey{id, owner}] = currency.Account{Balance: balance, Nonce: acct.Nonce}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
