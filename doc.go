// Package vibemq implements an MQTT v3.1.1 client.
//
// A Client is built with New (or NewWithSettings for full control) and
// opened with Connect, which performs the CONNECT/CONNACK handshake
// synchronously before returning:
//
//	c := vibemq.New(
//		vibemq.WithHost("tcp://broker.example.com:1883"),
//		vibemq.WithClientID("sensor-01"),
//		vibemq.WithOnPublish(func(c *vibemq.Client, m vibemq.Message) {
//			log.Printf("%s: %s", m.Topic, m.Payload)
//		}),
//	)
//	if err := c.Connect(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Disconnect(context.Background())
//
//	tok, err := c.Publish("sensors/temperature", []byte("22.5"), vibemq.AtLeastOnce, false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := tok.Wait(context.Background()); err != nil {
//		log.Printf("publish not acknowledged: %v", err)
//	}
//
// Matching inbound publishes to subscriptions is left to the caller:
// OnPublish fires for every PUBLISH the broker sends, regardless of which
// Subscribe call caused it, since wildcard topic matching is the broker's
// job, not the client's.
//
// Delivery semantics
//
// QoS 0 publishes are written and forgotten. QoS 1 and QoS 2 publishes are
// tracked in an in-flight queue and retransmitted with the Dup flag set if
// no acknowledgment arrives within Settings.RetryDelay, up to
// Settings.RetryAttempts before the connection is failed.
//
// Reconnection
//
// WithReconnect arms automatic reconnection on unexpected
// disconnects, reusing whatever of the prior session (queued sends,
// in-flight publishes) Settings.CleanSession left intact.
package vibemq
