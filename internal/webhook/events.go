// Package webhook implements the outbound notification subsystem:
// subscriber registry, event fan-out through the durable queue, signed
// HTTP delivery with linear-backoff retries, and the per-attempt
// delivery log.
package webhook

// Event types a webhook can subscribe to.
const (
	EventProductCreated     = "product.created"
	EventProductUpdated     = "product.updated"
	EventProductDeleted     = "product.deleted"
	EventProductsBulkDelete = "products.bulk_deleted"
	EventImportCompleted    = "import.completed"
)

// KnownEvents lists the event types accepted at registration time.
var KnownEvents = []string{
	EventProductCreated,
	EventProductUpdated,
	EventProductDeleted,
	EventProductsBulkDelete,
	EventImportCompleted,
}
