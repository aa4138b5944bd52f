package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{user_id}:{idempotency_key} -> response json
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache status order: order_status:{order_code} -> {"orderCode":...,"orderStatus":...}
	KeyOrderStatus = "order_status:%d"

	// Dedup event processing: dedup:{scope}:{id} (id = gateway reference)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
