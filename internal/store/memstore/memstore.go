// Package memstore is an in-memory store.Store. Transactions are fully
// serialized and copy-on-write: fn works on a private copy that replaces the
// committed state only when fn returns nil.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-settlement/internal/cart"
	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

type Store struct {
	mu   sync.Mutex
	data *data
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newData()}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(ctx, &tx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &tx{d: s.data.clone()})
}

// PutVariant seeds or overwrites a catalog variant.
func (s *Store) PutVariant(v catalog.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.variants[v.ID] = v
}

// PutCart seeds the active cart of c.UserID.
func (s *Store) PutCart(c cart.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.carts[c.UserID] = cloneCart(c)
}

func (s *Store) Variant(id string) (catalog.Variant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.variants[id]
	return v, ok
}

func (s *Store) Cart(userID string) (cart.Cart, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.carts[userID]
	return cloneCart(c), ok
}

func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.data.orders))
	for _, o := range s.data.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Payments() []payments.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.Payment, 0, len(s.data.payments))
	for _, p := range s.data.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Transactions() []payments.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.Transaction, 0, len(s.data.transactions))
	for _, t := range s.data.transactions {
		out = append(out, t)
	}
	return out
}

// PutPayment overwrites a payment row, for tests that need to age a payment.
func (s *Store) PutPayment(p payments.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.putPayment(p)
}

type data struct {
	variants      map[string]catalog.Variant
	carts         map[string]cart.Cart
	orders        map[string]orders.Order
	orderByCode   map[int64]string
	payments      map[string]payments.Payment
	paymentByCode map[int64][]string
	transactions  map[string]payments.Transaction
}

func newData() *data {
	return &data{
		variants:      map[string]catalog.Variant{},
		carts:         map[string]cart.Cart{},
		orders:        map[string]orders.Order{},
		orderByCode:   map[int64]string{},
		payments:      map[string]payments.Payment{},
		paymentByCode: map[int64][]string{},
		transactions:  map[string]payments.Transaction{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.variants {
		c.variants[k] = v
	}
	for k, v := range d.carts {
		c.carts[k] = cloneCart(v)
	}
	for k, v := range d.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range d.orderByCode {
		c.orderByCode[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.paymentByCode {
		c.paymentByCode[k] = append([]string(nil), v...)
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	return c
}

func (d *data) putPayment(p payments.Payment) {
	if _, ok := d.payments[p.ID]; !ok {
		d.paymentByCode[p.OrderCode] = append(d.paymentByCode[p.OrderCode], p.ID)
	}
	d.payments[p.ID] = p
}

func cloneCart(c cart.Cart) cart.Cart {
	c.Items = append([]cart.Item(nil), c.Items...)
	return c
}

func cloneOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	return o
}

type tx struct{ d *data }

func (t *tx) Carts() store.CartRepository               { return cartRepo{t.d} }
func (t *tx) Variants() store.VariantRepository         { return variantRepo{t.d} }
func (t *tx) Orders() store.OrderRepository             { return orderRepo{t.d} }
func (t *tx) Payments() store.PaymentRepository         { return paymentRepo{t.d} }
func (t *tx) Transactions() store.TransactionRepository { return transactionRepo{t.d} }

type cartRepo struct{ d *data }

func (r cartRepo) ActiveCart(_ context.Context, userID string) (cart.Cart, error) {
	c, ok := r.d.carts[userID]
	if !ok {
		return cart.Cart{}, cart.ErrCartNotFound
	}
	return cloneCart(c), nil
}

func (r cartRepo) RemoveItems(_ context.Context, cartID string, itemIDs []string) error {
	drop := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		drop[id] = struct{}{}
	}
	for user, c := range r.d.carts {
		if c.ID != cartID {
			continue
		}
		kept := c.Items[:0:0]
		for _, it := range c.Items {
			if _, ok := drop[it.ID]; !ok {
				kept = append(kept, it)
			}
		}
		if removed := len(c.Items) - len(kept); removed != len(drop) {
			return fmt.Errorf("%w: removed %d of %d items", cart.ErrCartChanged, removed, len(drop))
		}
		c.Items = kept
		r.d.carts[user] = c
		return nil
	}
	return cart.ErrCartNotFound
}

type variantRepo struct{ d *data }

func (r variantRepo) GetForUpdate(_ context.Context, id string) (catalog.Variant, error) {
	v, ok := r.d.variants[id]
	if !ok {
		return catalog.Variant{}, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
	}
	return v, nil
}

func (r variantRepo) AddStock(_ context.Context, id string, delta int) (int, error) {
	v, ok := r.d.variants[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
	}
	if v.Stock+delta < 0 {
		return v.Stock, fmt.Errorf("%w: variant %s", store.ErrStockUnderflow, id)
	}
	v.Stock += delta
	r.d.variants[id] = v
	return v.Stock, nil
}

type orderRepo struct{ d *data }

func (r orderRepo) CodeExists(_ context.Context, code int64) (bool, error) {
	_, ok := r.d.orderByCode[code]
	return ok, nil
}

func (r orderRepo) Create(_ context.Context, o *orders.Order) error {
	if _, ok := r.d.orders[o.ID]; ok {
		return fmt.Errorf("memstore: duplicate order id %s", o.ID)
	}
	if _, ok := r.d.orderByCode[o.Code]; ok {
		return fmt.Errorf("memstore: duplicate order code %d", o.Code)
	}
	r.d.orders[o.ID] = cloneOrder(*o)
	r.d.orderByCode[o.Code] = o.ID
	return nil
}

func (r orderRepo) Get(_ context.Context, id string) (orders.Order, error) {
	o, ok := r.d.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (orders.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepo) GetByCode(ctx context.Context, code int64) (orders.Order, error) {
	id, ok := r.d.orderByCode[code]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return r.Get(ctx, id)
}

func (r orderRepo) UpdateStatus(_ context.Context, id string, from, to orders.Status, at time.Time) (bool, error) {
	o, ok := r.d.orders[id]
	if !ok {
		return false, orders.ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	r.d.orders[id] = o
	return true, nil
}

type paymentRepo struct{ d *data }

func (r paymentRepo) Create(_ context.Context, p *payments.Payment) error {
	if _, ok := r.d.payments[p.ID]; ok {
		return fmt.Errorf("memstore: duplicate payment id %s", p.ID)
	}
	for _, id := range r.d.paymentByCode[p.OrderCode] {
		if r.d.payments[id].Status == payments.StatusPending {
			return fmt.Errorf("memstore: order %d already has a pending payment", p.OrderCode)
		}
	}
	r.d.putPayment(*p)
	return nil
}

func (r paymentRepo) GetByOrderCode(_ context.Context, code int64) (payments.Payment, error) {
	ids := r.d.paymentByCode[code]
	if len(ids) == 0 {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	return r.d.payments[ids[len(ids)-1]], nil
}

func (r paymentRepo) GetByOrderCodeForUpdate(ctx context.Context, code int64) (payments.Payment, error) {
	return r.GetByOrderCode(ctx, code)
}

func (r paymentRepo) GetForUpdate(_ context.Context, id string) (payments.Payment, error) {
	p, ok := r.d.payments[id]
	if !ok {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	return p, nil
}

func (r paymentRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]payments.Payment, error) {
	var out []payments.Payment
	for _, p := range r.d.payments {
		if p.Expired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiredAt.Before(out[j].ExpiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r paymentRepo) UpdateStatus(_ context.Context, id string, from, to payments.Status, at time.Time) (bool, error) {
	p, ok := r.d.payments[id]
	if !ok {
		return false, payments.ErrPaymentNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	r.d.payments[id] = p
	return true, nil
}

type transactionRepo struct{ d *data }

func (r transactionRepo) Insert(_ context.Context, t payments.Transaction) (bool, error) {
	if _, ok := r.d.transactions[t.Reference]; ok {
		return false, nil
	}
	r.d.transactions[t.Reference] = t
	return true, nil
}
