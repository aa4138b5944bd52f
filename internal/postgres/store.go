package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-checkout-settlement/internal/cart"
	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

// Store runs every unit of work at READ COMMITTED. Row locks come from the
// FOR UPDATE reads; status writes are compare-and-set on the prior status.
type Store struct{ DB *pgxpool.Pool }

var _ store.Store = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct{ q querier }

func (t *pgTx) Carts() store.CartRepository               { return cartRepo{t.q} }
func (t *pgTx) Variants() store.VariantRepository         { return variantRepo{t.q} }
func (t *pgTx) Orders() store.OrderRepository             { return orderRepo{t.q} }
func (t *pgTx) Payments() store.PaymentRepository         { return paymentRepo{t.q} }
func (t *pgTx) Transactions() store.TransactionRepository { return transactionRepo{t.q} }

type cartRepo struct{ q querier }

func (r cartRepo) ActiveCart(ctx context.Context, userID string) (cart.Cart, error) {
	c := cart.Cart{UserID: userID}
	err := r.q.QueryRow(ctx, `SELECT id FROM carts WHERE user_id=$1 AND active FOR UPDATE`, userID).Scan(&c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return cart.Cart{}, cart.ErrCartNotFound
	}
	if err != nil {
		return cart.Cart{}, err
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, cart_id, variant_id, quantity FROM cart_items
		WHERE cart_id=$1 ORDER BY created_at, id`, c.ID)
	if err != nil {
		return cart.Cart{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it cart.Item
		if err := rows.Scan(&it.ID, &it.CartID, &it.VariantID, &it.Quantity); err != nil {
			return cart.Cart{}, err
		}
		c.Items = append(c.Items, it)
	}
	return c, rows.Err()
}

func (r cartRepo) RemoveItems(ctx context.Context, cartID string, itemIDs []string) error {
	ids := uniqueIDs(itemIDs)
	tag, err := r.q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1 AND id = ANY($2)`, cartID, ids)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("%w: removed %d of %d items", cart.ErrCartChanged, tag.RowsAffected(), len(ids))
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

type variantRepo struct{ q querier }

func (r variantRepo) GetForUpdate(ctx context.Context, id string) (catalog.Variant, error) {
	var v catalog.Variant
	err := r.q.QueryRow(ctx, `
		SELECT id, product_id, sku, name, price, stock FROM product_variants
		WHERE id=$1 FOR UPDATE`, id).Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price, &v.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Variant{}, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
	}
	return v, err
}

func (r variantRepo) AddStock(ctx context.Context, id string, delta int) (int, error) {
	var stock int
	err := r.q.QueryRow(ctx, `
		UPDATE product_variants SET stock = stock + $2, updated_at = now()
		WHERE id=$1 AND stock + $2 >= 0
		RETURNING stock`, id, delta).Scan(&stock)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// No row updated: either the variant is unknown or the guard refused.
	err = r.q.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id=$1`, id).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return stock, fmt.Errorf("%w: variant %s", store.ErrStockUnderflow, id)
}

type orderRepo struct{ q querier }

const orderColumns = `id, order_code, user_id, status, total_amount,
	receiver_name, receiver_phone, address, note, created_at, updated_at`

func (r orderRepo) CodeExists(ctx context.Context, code int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r orderRepo) Create(ctx context.Context, o *orders.Order) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.Code, o.UserID, string(o.Status), o.TotalAmount,
		o.Shipping.ReceiverName, o.Shipping.ReceiverPhone, o.Shipping.Address, o.Shipping.Note,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for i, it := range o.Items {
		if _, err := r.q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, variant_id, sku, name, unit_price, quantity, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			it.ID, o.ID, i, it.ProductID, it.VariantID, it.SKU, it.Name, it.UnitPrice, it.Quantity, it.Subtotal,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r orderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (orders.Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

func (r orderRepo) GetByCode(ctx context.Context, code int64) (orders.Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_code=$1`, code)
}

func (r orderRepo) one(ctx context.Context, sql string, arg any) (orders.Order, error) {
	var (
		o      orders.Order
		status string
	)
	err := r.q.QueryRow(ctx, sql, arg).Scan(
		&o.ID, &o.Code, &o.UserID, &status, &o.TotalAmount,
		&o.Shipping.ReceiverName, &o.Shipping.ReceiverPhone, &o.Shipping.Address, &o.Shipping.Note,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)

	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, sku, name, unit_price, quantity, subtotal
		FROM order_items WHERE order_id=$1 ORDER BY position`, o.ID)
	if err != nil {
		return orders.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID, &it.SKU, &it.Name,
			&it.UnitPrice, &it.Quantity, &it.Subtotal); err != nil {
			return orders.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r orderRepo) UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) (bool, error) {
	ct, err := r.q.Exec(ctx, `UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

type paymentRepo struct{ q querier }

const paymentColumns = `id, order_id, order_code, payment_link_id, checkout_url, status, amount,
	expired_at, created_at, updated_at`

func (r paymentRepo) Create(ctx context.Context, p *payments.Payment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.OrderID, p.OrderCode, p.PaymentLinkID, p.CheckoutURL, string(p.Status), p.Amount,
		p.ExpiredAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r paymentRepo) GetByOrderCode(ctx context.Context, code int64) (payments.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE order_code=$1 ORDER BY created_at DESC LIMIT 1`, code)
}

func (r paymentRepo) GetByOrderCodeForUpdate(ctx context.Context, code int64) (payments.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE order_code=$1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, code)
}

func (r paymentRepo) GetForUpdate(ctx context.Context, id string) (payments.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id)
}

func (r paymentRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]payments.Payment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status='PENDING' AND expired_at < $1
		ORDER BY expired_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payments.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r paymentRepo) UpdateStatus(ctx context.Context, id string, from, to payments.Status, at time.Time) (bool, error) {
	ct, err := r.q.Exec(ctx, `UPDATE payments SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r paymentRepo) one(ctx context.Context, sql string, arg any) (payments.Payment, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	return p, err
}

func scanPayment(row pgx.Row) (payments.Payment, error) {
	var (
		p      payments.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.OrderCode, &p.PaymentLinkID, &p.CheckoutURL, &status, &p.Amount,
		&p.ExpiredAt, &p.CreatedAt, &p.UpdatedAt)
	p.Status = payments.Status(status)
	return p, err
}

type transactionRepo struct{ q querier }

func (r transactionRepo) Insert(ctx context.Context, t payments.Transaction) (bool, error) {
	var payload any
	if len(t.Payload) > 0 {
		payload = []byte(t.Payload)
	}
	ct, err := r.q.Exec(ctx, `
		INSERT INTO payment_transactions (id, payment_id, order_code, reference, outcome, amount, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (reference) DO NOTHING`,
		t.ID, t.PaymentID, t.OrderCode, t.Reference, t.Outcome, t.Amount, payload, t.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment transaction: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}
