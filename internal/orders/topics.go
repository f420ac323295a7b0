package orders

const (
	TopicOrderSubmitted = "order.submitted"
	TopicOrderRejected  = "order.rejected"
	TopicStockLow       = "stock.low"
)

// Partition key = order id, so every event of one order keeps its ordering.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
