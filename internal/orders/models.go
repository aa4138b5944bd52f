package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound = errors.New("orders: order not found")
	ErrInvalidOrder  = errors.New("orders: invalid order")
)

type Order struct {
	ID          string
	Code        int64
	UserID      string
	Status      Status
	Items       []Item
	TotalAmount int64
	Shipping    Shipping
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Item is a snapshot of the variant at purchase time.
type Item struct {
	ID        string
	OrderID   string
	ProductID string
	VariantID string
	SKU       string
	Name      string
	UnitPrice int64
	Quantity  int
	Subtotal  int64
}

type Shipping struct {
	ReceiverName  string
	ReceiverPhone string
	Address       string
	Note          string
}

type ItemInput struct {
	ProductID string
	VariantID string
	SKU       string
	Name      string
	UnitPrice int64
	Quantity  int
}

// New materializes a PENDING_PAYMENT order, computing subtotals and the
// total from the snapshotted unit prices.
func New(userID string, code int64, shipping Shipping, inputs []ItemInput, now time.Time) (*Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	o := &Order{
		ID:        uuid.NewString(),
		Code:      code,
		UserID:    userID,
		Status:    StatusPendingPayment,
		Shipping:  shipping,
		Items:     make([]Item, 0, len(inputs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, in := range inputs {
		if in.Quantity <= 0 {
			return nil, fmt.Errorf("%w: invalid quantity for variant %s", ErrInvalidOrder, in.VariantID)
		}
		if in.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: negative price for variant %s", ErrInvalidOrder, in.VariantID)
		}
		it := Item{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ProductID: in.ProductID,
			VariantID: in.VariantID,
			SKU:       in.SKU,
			Name:      in.Name,
			UnitPrice: in.UnitPrice,
			Quantity:  in.Quantity,
			Subtotal:  in.UnitPrice * int64(in.Quantity),
		}
		o.TotalAmount += it.Subtotal
		o.Items = append(o.Items, it)
	}
	return o, nil
}

// Transition applies the status guard in memory. It reports whether the
// status changed; persisting the change is the store's job.
func (o *Order) Transition(to Status, now time.Time) (bool, error) {
	apply, err := Guard(o.Status, to)
	if err != nil || !apply {
		return false, err
	}
	o.Status = to
	o.UpdatedAt = now
	return true, nil
}

func (o *Order) ItemsTotal() int64 {
	var sum int64
	for _, it := range o.Items {
		sum += it.Subtotal
	}
	return sum
}
