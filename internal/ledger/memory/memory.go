// Package memory is an in-process ledger.Store used by tests and local runs.
// A transaction works on a deep copy of the state under one mutex; the copy
// is swapped in on commit, so partial mutations are never observable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/minimall/ledger/internal/ledger"
)

type state struct {
	products   map[string]ledger.Product
	lots       map[string]ledger.CreditLot
	orders     map[string]ledger.Order
	byExternal map[string]string // external ID -> order ID
	audit      []ledger.AuditEntry
}

func newState() *state {
	return &state{
		products:   map[string]ledger.Product{},
		lots:       map[string]ledger.CreditLot{},
		orders:     map[string]ledger.Order{},
		byExternal: map[string]string{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.byExternal {
		c.byExternal[k] = v
	}
	c.audit = append(c.audit, s.audit...)
	return c
}

type Store struct {
	mu        sync.Mutex
	state     *state
	conflicts int
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

// PutProduct seeds or replaces a product. Test/bootstrap helper.
func (s *Store) PutProduct(p ledger.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
}

// PutLot seeds or replaces a credit lot. Test/bootstrap helper.
func (s *Store) PutLot(l ledger.CreditLot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.lots[l.ID] = l
}

// InjectConflicts makes the next n commits fail with ledger.ErrConflict,
// after discarding their writes. Lets tests exercise retry paths.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if s.conflicts > 0 {
		s.conflicts--
		return ledger.ErrConflict
	}
	s.state = work
	return nil
}

func (s *Store) Product(ctx context.Context, productID string) (ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.products[productID]
	if !ok {
		return ledger.Product{}, &ledger.ProductNotFoundError{ProductID: productID}
	}
	return p, nil
}

func (s *Store) Products(ctx context.Context) ([]ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Product, 0, len(s.state.products))
	for _, p := range s.state.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) Order(ctx context.Context, orderID string) (ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[orderID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) OrderByExternalID(ctx context.Context, externalID string) (ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.byExternal[externalID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	return s.state.orders[id], nil
}

func (s *Store) Lot(ctx context.Context, lotID string) (ledger.CreditLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.state.lots[lotID]
	if !ok {
		return ledger.CreditLot{}, ledger.ErrLotNotFound
	}
	return l, nil
}

func (s *Store) LotsByCustomer(ctx context.Context, customerID string, kind ledger.CreditKind, productID string) ([]ledger.CreditLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return eligibleLots(s.state, customerID, kind, productID), nil
}

func (s *Store) AuditByOrder(ctx context.Context, orderID string) ([]ledger.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.AuditEntry
	for _, e := range s.state.audit {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func eligibleLots(st *state, customerID string, kind ledger.CreditKind, productID string) []ledger.CreditLot {
	var out []ledger.CreditLot
	for _, l := range st.lots {
		if l.CustomerID == customerID && l.Eligible(kind, productID) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// tx mutates the working copy; the store swaps it in on commit. The store
// mutex is held for the whole transaction, so locking reads are plain reads.
type tx struct {
	st *state
}

var _ ledger.Tx = (*tx)(nil)

func (t *tx) ProductForUpdate(ctx context.Context, productID string) (ledger.Product, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return ledger.Product{}, &ledger.ProductNotFoundError{ProductID: productID}
	}
	return p, nil
}

func (t *tx) AdjustStock(ctx context.Context, productID string, delta int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return &ledger.ProductNotFoundError{ProductID: productID}
	}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = p
	return nil
}

func (t *tx) LotsForUpdate(ctx context.Context, customerID string, kind ledger.CreditKind, productID string) ([]ledger.CreditLot, error) {
	return eligibleLots(t.st, customerID, kind, productID), nil
}

func (t *tx) DebitLot(ctx context.Context, lotID string, amount int64) (int64, error) {
	l, ok := t.st.lots[lotID]
	if !ok {
		return 0, ledger.ErrLotNotFound
	}
	if amount <= 0 || amount > l.Balance {
		return 0, &ledger.LotOverdrawError{LotID: lotID, Balance: l.Balance, Delta: -amount}
	}
	l.Balance -= amount
	if l.Balance == 0 {
		l.Status = ledger.LotExhausted
	}
	l.UpdatedAt = time.Now().UTC()
	t.st.lots[lotID] = l
	return l.Balance, nil
}

func (t *tx) CreditLot(ctx context.Context, lotID string, amount int64) error {
	l, ok := t.st.lots[lotID]
	if !ok {
		return ledger.ErrLotNotFound
	}
	if amount <= 0 || l.Balance+amount > l.Original {
		return &ledger.LotOverdrawError{LotID: lotID, Balance: l.Balance, Delta: amount}
	}
	l.Balance += amount
	l.Status = ledger.LotActive
	l.UpdatedAt = time.Now().UTC()
	t.st.lots[lotID] = l
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o ledger.Order) error {
	if _, exists := t.st.byExternal[o.ExternalID]; exists {
		return ledger.ErrDuplicateOrder
	}
	t.st.orders[o.ID] = o
	t.st.byExternal[o.ExternalID] = o.ID
	return nil
}

func (t *tx) OrderForUpdate(ctx context.Context, orderID string) (ledger.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	return o, nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID string, status ledger.Status) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return ledger.ErrOrderNotFound
	}
	o.Status = status
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	t.st.audit = append(t.st.audit, e)
	return nil
}
