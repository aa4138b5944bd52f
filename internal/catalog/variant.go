// Package catalog holds the slice of the product catalog this service reads.
// Stock is the only field the checkout core mutates.
package catalog

type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Name      string
	Price     int64
	Stock     int
}
