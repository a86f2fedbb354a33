package rrpubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitForEvent(t *testing.T, mailbox *Mailbox, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-mailbox.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

// TestConnS1BasicSubscribeAndReceive covers a single subscriber
// receiving a message on a freshly subscribed channel.
func TestConnS1BasicSubscribeAndReceive(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect())
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	ref, err := c.Subscribe(a, "news")
	assert.NoError(t, err)
	assert.NotZero(t, ref)

	sub := waitForEvent(t, a, EventSubscribed, 3*time.Second)
	assert.Equal(t, "news", sub.Channel)
	assert.Equal(t, ref, sub.Ref)

	assert.NoError(t, s.Send("news", "hello"))

	msg := waitForEvent(t, a, EventMessage, 3*time.Second)
	assert.Equal(t, "news", msg.Channel)
	assert.Equal(t, "hello", string(msg.Payload))
}

// TestConnS2SharedSubscription covers two subscribers sharing one
// underlying wire subscription and each receiving published messages.
func TestConnS2SharedSubscription(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect())
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	_, err = c.Subscribe(a, "x")
	assert.NoError(t, err)
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	b := NewMailbox(8)
	_, err = c.Subscribe(b, "x")
	assert.NoError(t, err)
	// B's subscribed notification arrives on the already-confirmed path,
	// synchronously with respect to the call, no wire round trip needed.
	waitForEvent(t, b, EventSubscribed, 3*time.Second)

	assert.NoError(t, s.Send("x", "v"))

	msgA := waitForEvent(t, a, EventMessage, 3*time.Second)
	msgB := waitForEvent(t, b, EventMessage, 3*time.Second)
	assert.Equal(t, "v", string(msgA.Payload))
	assert.Equal(t, "v", string(msgB.Payload))
}

// TestConnS3UnsubscribeWithRemainingInterest covers one subscriber
// unsubscribing while another keeps receiving messages on the same channel.
func TestConnS3UnsubscribeWithRemainingInterest(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect())
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	b := NewMailbox(8)
	c.Subscribe(a, "x")
	waitForEvent(t, a, EventSubscribed, 3*time.Second)
	c.Subscribe(b, "x")
	waitForEvent(t, b, EventSubscribed, 3*time.Second)

	assert.NoError(t, c.Unsubscribe(a, "x"))
	waitForEvent(t, a, EventUnsubscribed, 3*time.Second)

	assert.NoError(t, s.Send("x", "v2"))

	msgB := waitForEvent(t, b, EventMessage, 3*time.Second)
	assert.Equal(t, "v2", string(msgB.Payload))

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event delivered to unsubscribed A: %v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestConnS4DisconnectPreservesIntent covers a server restart: the
// subscriber sees :disconnected and then fresh :subscribed events for
// every channel it was interested in, once the connection recovers.
func TestConnS4DisconnectPreservesIntent(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect(), WithBackoff(50*time.Millisecond, time.Second))
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	c.Subscribe(a, "a", "b")
	waitForEvent(t, a, EventSubscribed, 3*time.Second)
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	s.Restart()

	waitForEvent(t, a, EventDisconnected, 5*time.Second)

	seen := map[string]bool{}
	for len(seen) < 2 {
		ev := waitForEvent(t, a, EventSubscribed, 10*time.Second)
		seen[ev.Channel] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

// TestConnS7SubscriberCrash covers a subscriber dying (its Mailbox
// closed) without explicitly unsubscribing: its interest is dropped and
// a fresh subscriber on the same channel is unaffected.
func TestConnS7SubscriberCrash(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect())
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	c.Subscribe(a, "e")
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	a.Close()

	// Give the death watcher a moment to fire and the state machine to
	// process it; there is no synchronous signal for "the core noticed
	// the crash", so we poll the ledger indirectly via a fresh
	// subscriber: if e were still tracked as confirmed-with-A, a new
	// subscribe would take the already-confirmed path immediately. What
	// we actually assert is that a's own interest no longer drives wire
	// traffic; adding b and sending to e should still work standalone.
	time.Sleep(300 * time.Millisecond)

	b := NewMailbox(8)
	_, err = c.Subscribe(b, "e")
	assert.NoError(t, err)
	waitForEvent(t, b, EventSubscribed, 3*time.Second)

	assert.NoError(t, s.Send("e", "after-crash"))
	msg := waitForEvent(t, b, EventMessage, 3*time.Second)
	assert.Equal(t, "after-crash", string(msg.Payload))
}

func TestConnDuplicateSubscribeReturnsStableRef(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect())
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	ref1, err := c.Subscribe(a, "dup")
	assert.NoError(t, err)
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	ref2, err := c.Subscribe(a, "dup")
	assert.NoError(t, err)
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	assert.Equal(t, ref1, ref2)
}

// TestConnS5UnsubscribeWhileDisconnected covers a subscriber that
// unsubscribes while disconnected: it still receives :unsubscribed, and on
// reconnect no SUBSCRIBE is reissued for the channel it dropped.
func TestConnS5UnsubscribeWhileDisconnected(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect(), WithBackoff(50*time.Millisecond, time.Second))
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	c.Subscribe(a, "c")
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	s.Kill()
	waitForEvent(t, a, EventDisconnected, 5*time.Second)

	assert.NoError(t, c.Unsubscribe(a, "c"))
	waitForEvent(t, a, EventUnsubscribed, 3*time.Second)

	s.start()
	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event after unsubscribe-while-disconnected: %v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

// TestConnUnsubscribeThenResubscribeReconfirms covers a subscriber that
// unsubscribes and immediately re-subscribes to the same channel: it sees
// a fresh :subscribed once the round trip completes. The adjacent race
// where Redis itself initiates the UNSUBSCRIBE while local interest still
// exists is exercised at the ledger level by
// TestLedgerOnUnsubscribeConfirmedRaceResubscribes, since a real server
// has no supported way to trigger that frame on demand.
func TestConnUnsubscribeThenResubscribeReconfirms(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address, WithSyncConnect())
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	_, err = c.Subscribe(a, "d")
	assert.NoError(t, err)
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	assert.NoError(t, c.Unsubscribe(a, "d"))
	waitForEvent(t, a, EventUnsubscribed, 3*time.Second)

	ref2, err := c.Subscribe(a, "d")
	assert.NoError(t, err)
	assert.NotZero(t, ref2)
	sub := waitForEvent(t, a, EventSubscribed, 3*time.Second)
	assert.Equal(t, ref2, sub.Ref)
}

// TestConnReadTimeoutDuringSilenceIsNotADisconnect covers a connection
// whose read timeout is shorter than a quiet period: the wire reader's
// repeated timeouts while no frame arrives must not be mistaken for a
// transport failure. Once the server is reachable again, a published
// message still arrives normally.
func TestConnReadTimeoutDuringSilenceIsNotADisconnect(t *testing.T) {
	s, err := newTestServer()
	assert.NoError(t, err)
	defer s.Kill()

	c, err := New("tcp", s.address,
		WithSyncConnect(),
		WithReadTimeout(100*time.Millisecond))
	assert.NoError(t, err)
	defer c.Close()

	a := NewMailbox(8)
	c.Subscribe(a, "frz")
	waitForEvent(t, a, EventSubscribed, 3*time.Second)

	s.Freeze()
	time.Sleep(500 * time.Millisecond)
	s.Continue()

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event during quiet period: %v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	assert.NoError(t, s.Send("frz", "still-alive"))
	msg := waitForEvent(t, a, EventMessage, 3*time.Second)
	assert.Equal(t, "still-alive", string(msg.Payload))
}
