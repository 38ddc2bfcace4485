package fanout

const (
	EventMessagePush      = "message.push"
	EventKeyEnvelopePush  = "key.envelope.push"
	EventDeliveryStatus   = "delivery.status.update"
	EventRotationRequired = "key.rotation.required"
	EventResyncRequired   = "resync.required"
)

// Event is one server-to-device notification. Seq is assigned by the hub and
// increases across all devices, so a device sees strictly increasing values.
type Event struct {
	Seq  uint64 `json:"seq"`
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// ResyncReason is the payload of resync.required.
type ResyncReason struct {
	Reason string `json:"reason"`
}
