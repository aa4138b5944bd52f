package cart

import (
	"errors"
	"strings"
)

var (
	ErrCartEmpty    = errors.New("cart: no items selected for checkout")
	ErrCartNotFound = errors.New("cart: active cart not found")
	ErrCartChanged  = errors.New("cart: items changed during checkout")
)

type Cart struct {
	ID     string
	UserID string
	Items  []Item
}

type Item struct {
	ID        string
	CartID    string
	VariantID string
	Quantity  int
}

// Select returns the cart items named by ids, or every item when ids is
// empty. Unknown ids are ignored; an empty result is ErrCartEmpty.
func (c Cart) Select(ids []string) ([]Item, error) {
	if len(ids) == 0 {
		if len(c.Items) == 0 {
			return nil, ErrCartEmpty
		}
		return append([]Item(nil), c.Items...), nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = struct{}{}
		}
	}
	out := make([]Item, 0, len(want))
	for _, it := range c.Items {
		if _, ok := want[it.ID]; ok {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, ErrCartEmpty
	}
	return out, nil
}
