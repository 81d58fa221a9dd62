package vibemq

// WithMaxTopicLength sets the maximum allowed topic length. Default is
// 65535 (MQTT spec maximum).
func WithMaxTopicLength(max int) Option {
	return func(s *Settings) { s.MaxTopicLength = max }
}

// WithMaxPayloadSize sets the maximum allowed outgoing payload size.
// Default is 268435455 (256MB, MQTT spec maximum).
func WithMaxPayloadSize(max int) Option {
	return func(s *Settings) { s.MaxPayloadSize = max }
}

// WithMaxIncomingPacket sets the maximum allowed incoming packet size.
// Default is 268435455 (256MB, MQTT spec maximum).
func WithMaxIncomingPacket(max int) Option {
	return func(s *Settings) { s.MaxIncomingPacket = max }
}
