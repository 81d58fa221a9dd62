package packets

import "io"

// Packet is the interface every MQTT 3.1.1 control packet implements.
type Packet interface {
	// Type returns the MQTT control packet type.
	Type() uint8

	// WriteTo writes the packet, fixed header included, to w.
	WriteTo(w io.Writer) (int64, error)
}
