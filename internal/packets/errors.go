package packets

import "errors"

// ErrMalformedPacket is returned (optionally wrapped with more detail via
// fmt.Errorf("%w: ...")) whenever bytes on the wire violate the MQTT 3.1.1
// grammar or one of the validation rules attached to a packet type.
var ErrMalformedPacket = errors.New("malformed packet")
