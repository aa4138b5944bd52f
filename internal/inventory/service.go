package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-checkout-settlement/internal/catalog"
	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
	"github.com/ariefcatur/go-checkout-settlement/internal/store"
)

var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// InsufficientStockError names the variant that could not cover the request.
type InsufficientStockError struct {
	VariantID string
	SKU       string
	Required  int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for variant %s: required %d, available %d", e.VariantID, e.Required, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Reserve locks the variant row, re-checks the level and deducts quantity.
// It returns the variant as read under the lock, before the deduction.
// Nothing is written when the stock cannot cover the request.
func Reserve(ctx context.Context, variants store.VariantRepository, variantID string, quantity int) (catalog.Variant, error) {
	if quantity <= 0 {
		return catalog.Variant{}, fmt.Errorf("inventory: invalid quantity %d for variant %s", quantity, variantID)
	}
	v, err := variants.GetForUpdate(ctx, variantID)
	if err != nil {
		return catalog.Variant{}, fmt.Errorf("lock variant %s: %w", variantID, err)
	}
	if v.Stock < quantity {
		return v, &InsufficientStockError{VariantID: v.ID, SKU: v.SKU, Required: quantity, Available: v.Stock}
	}
	if _, err := variants.AddStock(ctx, variantID, -quantity); err != nil {
		if errors.Is(err, store.ErrStockUnderflow) {
			return v, &InsufficientStockError{VariantID: v.ID, SKU: v.SKU, Required: quantity, Available: v.Stock}
		}
		return v, fmt.Errorf("deduct stock %s: %w", variantID, err)
	}
	return v, nil
}

// Restore puts back the quantity of every line item of o. Callers invoke it
// only from the transaction that moved o into FAILED or CANCELLED, which is
// what keeps it at most once per order.
func Restore(ctx context.Context, variants store.VariantRepository, o orders.Order) error {
	for _, it := range o.Items {
		if _, err := variants.AddStock(ctx, it.VariantID, it.Quantity); err != nil {
			return fmt.Errorf("restore stock %s for order %d: %w", it.VariantID, o.Code, err)
		}
	}
	return nil
}
