// Package store defines the transactional unit of work shared by checkout,
// settlement and the expiration sweeper. Every repository obtained from a
// Tx reads and writes inside that transaction; the "ForUpdate" reads take a
// row lock held until commit or rollback.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-settlement/internal/cart"
	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/payments"
)

var (
	ErrVariantNotFound = errors.New("store: variant not found")
	ErrStockUnderflow  = errors.New("store: stock would go negative")
)

type Store interface {
	// InTx runs fn in a read-write transaction. A non-nil error from fn
	// rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Carts() CartRepository
	Variants() VariantRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Transactions() TransactionRepository
}

type CartRepository interface {
	// ActiveCart locks the user's active cart until the transaction ends, so
	// concurrent checkouts of one cart run one after the other.
	ActiveCart(ctx context.Context, userID string) (cart.Cart, error)
	// RemoveItems fails with cart.ErrCartChanged unless every id was removed.
	RemoveItems(ctx context.Context, cartID string, itemIDs []string) error
}

type VariantRepository interface {
	GetForUpdate(ctx context.Context, variantID string) (catalog.Variant, error)
	// AddStock adds delta (negative to deduct) and returns the new level.
	// Implementations must refuse to go below zero.
	AddStock(ctx context.Context, variantID string, delta int) (int, error)
}

type OrderRepository interface {
	orders.CodeChecker
	Create(ctx context.Context, o *orders.Order) error
	Get(ctx context.Context, id string) (orders.Order, error)
	GetForUpdate(ctx context.Context, id string) (orders.Order, error)
	GetByCode(ctx context.Context, code int64) (orders.Order, error)
	// UpdateStatus writes to only when the stored status still equals from.
	// It reports false when another writer got there first.
	UpdateStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) (bool, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *payments.Payment) error
	GetByOrderCode(ctx context.Context, code int64) (payments.Payment, error)
	GetByOrderCodeForUpdate(ctx context.Context, code int64) (payments.Payment, error)
	GetForUpdate(ctx context.Context, id string) (payments.Payment, error)
	// ListExpired returns PENDING payments whose expiry is before now,
	// soonest-expired first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]payments.Payment, error)
	UpdateStatus(ctx context.Context, id string, from, to payments.Status, at time.Time) (bool, error)
}

type TransactionRepository interface {
	// Insert records the notification. It reports false, without error,
	// when the reference is already recorded.
	Insert(ctx context.Context, t payments.Transaction) (bool, error)
}
