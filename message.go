package vibemq

// Message represents an MQTT message delivered to the Settings.OnPublish hook,
// whether it arrived because of a subscription or as the broker's own
// redelivery of a QoS 1/2 publish.
type Message struct {
	// Topic the message was published to.
	Topic string

	// Payload is the message body, exactly as received on the wire.
	Payload []byte

	// QoS is the delivery level the message arrived with.
	QoS QoS

	// Retained reports whether the broker is holding this as the last known
	// value for Topic.
	Retained bool

	// Duplicate reports whether the broker set the DUP flag, signaling a
	// possible redelivery.
	Duplicate bool
}
