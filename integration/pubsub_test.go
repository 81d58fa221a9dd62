package integration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	vibemq "github.com/vibe-mqtt/vibemq"
)

func connectClient(t *testing.T, server, clientID string, opts ...vibemq.Option) *vibemq.Client {
	t.Helper()
	base := []vibemq.Option{vibemq.WithHost(server), vibemq.WithClientID(clientID)}
	c := vibemq.New(append(base, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect(%s): %v", clientID, err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

func waitToken(t *testing.T, tok vibemq.Token, what string) {
	t.Helper()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			t.Fatalf("%s: token error: %v", what, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: token never completed", what)
	}
}

// TestPublishSubscribeRoundTrip drives all three QoS levels end to end
// against a real broker: one client subscribes, another publishes, and the
// message delivered on the expected topic is checked for its payload.
func TestPublishSubscribeRoundTrip(t *testing.T) {
	server, cleanup := startMosquitto(t, "")
	defer cleanup()

	for _, qos := range []vibemq.QoS{vibemq.AtMostOnce, vibemq.AtLeastOnce, vibemq.ExactlyOnce} {
		qos := qos
		t.Run(fmt.Sprintf("QoS%d", qos), func(t *testing.T) {
			received := make(chan vibemq.Message, 1)
			topic := fmt.Sprintf("vibemq/roundtrip/%d", qos)

			sub := connectClient(t, server, fmt.Sprintf("sub-%d", qos),
				vibemq.WithOnPublish(func(_ *vibemq.Client, m vibemq.Message) {
					if m.Topic == topic {
						received <- m
					}
				}),
			)
			subTok, err := sub.Subscribe([]string{topic}, []vibemq.QoS{qos})
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			waitToken(t, subTok, "subscribe")

			pub := connectClient(t, server, fmt.Sprintf("pub-%d", qos))
			pubTok, err := pub.Publish(topic, []byte("payload"), qos, false)
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			waitToken(t, pubTok, "publish")

			select {
			case m := <-received:
				if string(m.Payload) != "payload" {
					t.Fatalf("payload = %q, want %q", m.Payload, "payload")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("message never delivered to subscriber")
			}
		})
	}
}

// TestUnsubscribeStopsDelivery confirms that once Unsubscribe's token
// completes, further publishes to the same topic are no longer delivered.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	server, cleanup := startMosquitto(t, "")
	defer cleanup()

	const topic = "vibemq/unsubscribe"
	received := make(chan vibemq.Message, 4)

	sub := connectClient(t, server, "unsub-sub",
		vibemq.WithOnPublish(func(_ *vibemq.Client, m vibemq.Message) { received <- m }),
	)
	subTok, err := sub.Subscribe([]string{topic}, []vibemq.QoS{vibemq.AtLeastOnce})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitToken(t, subTok, "subscribe")

	pub := connectClient(t, server, "unsub-pub")

	firstTok, err := pub.Publish(topic, []byte("before"), vibemq.AtLeastOnce, false)
	if err != nil {
		t.Fatalf("Publish before unsubscribe: %v", err)
	}
	waitToken(t, firstTok, "publish before unsubscribe")

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("first publish never delivered")
	}

	unsubTok, err := sub.Unsubscribe([]string{topic})
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitToken(t, unsubTok, "unsubscribe")

	secondTok, err := pub.Publish(topic, []byte("after"), vibemq.AtLeastOnce, false)
	if err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	waitToken(t, secondTok, "publish after unsubscribe")

	select {
	case m := <-received:
		t.Fatalf("received %+v after unsubscribing", m)
	case <-time.After(time.Second):
	}
}
