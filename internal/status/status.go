// ABOUTME: Delivery status enums for persisted and client-local message states
// ABOUTME: Keeps the server-side set separate from the client superset with an explicit mapping

package status

import "fmt"

// Delivery is the persisted delivery status of a message. Only these four
// values ever reach the store; they advance monotonically.
type Delivery string

const (
	DeliverySent      Delivery = "sent"
	DeliveryDelivered Delivery = "delivered"
	DeliveryRead      Delivery = "read"
	DeliveryFailed    Delivery = "failed"
)

// Local is the client's view of a message. It is a superset of Delivery:
// "sending", "failed" (pre-persistence), and "received" exist only on the
// client and are never written to the store.
type Local string

const (
	LocalSending   Local = "sending"
	LocalSent      Local = "sent"
	LocalDelivered Local = "delivered"
	LocalRead      Local = "read"
	LocalFailed    Local = "failed"
	LocalReceived  Local = "received"
)

// ParseDelivery validates a persisted status string.
func ParseDelivery(s string) (Delivery, error) {
	switch Delivery(s) {
	case DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return Delivery(s), nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}

// Local maps a persisted status into the client-local set.
func (d Delivery) Local() Local {
	switch d {
	case DeliverySent:
		return LocalSent
	case DeliveryDelivered:
		return LocalDelivered
	case DeliveryRead:
		return LocalRead
	case DeliveryFailed:
		return LocalFailed
	default:
		// Unknown persisted values are treated as sent; the store
		// should never produce one.
		return LocalSent
	}
}

// Persistable reports whether a local status has a server-side equivalent.
// Sending and received are client-origin only.
func (l Local) Persistable() bool {
	switch l {
	case LocalSent, LocalDelivered, LocalRead, LocalFailed:
		return true
	}
	return false
}

// Delivery maps a client-local status back to the persisted set.
// Returns an error for client-only states.
func (l Local) Delivery() (Delivery, error) {
	switch l {
	case LocalSent:
		return DeliverySent, nil
	case LocalDelivered:
		return DeliveryDelivered, nil
	case LocalRead:
		return DeliveryRead, nil
	case LocalFailed:
		return DeliveryFailed, nil
	}
	return "", fmt.Errorf("local status %q has no persisted equivalent", l)
}
