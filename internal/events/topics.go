package events

import "strconv"

const (
	TopicOrderCreated         = "order.created"
	TopicOrderFinalized       = "order.finalized"
	TopicPaymentSettled       = "payment.settled"
	TopicPaymentNotifications = "payment.notifications"
)

// Partition key = order code, so every event of one order keeps its order.
func PartitionKey(orderCode int64) []byte { return []byte(strconv.FormatInt(orderCode, 10)) }
