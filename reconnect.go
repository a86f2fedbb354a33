package rrpubsub

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
)

// dial opens the transport and wraps it in a redis.PubSubConn. It does not
// touch any state-machine-owned fields besides c.conn and c.peer; callers decide what
// state to transition to based on the error. When WithSentinels is set, the
// configured network/address are ignored in favor of whatever master
// address the sentinels currently report, re-resolved on every call so a
// failover between disconnect and reconnect is picked up.
func (c *Conn) dial() error {
	opts := c.cfg.dialOptions
	if c.cfg.useTLS {
		opts = append(opts, redis.DialUseTLS(true))
		if c.cfg.tlsConfig != nil {
			opts = append(opts, redis.DialTLSConfig(c.cfg.tlsConfig))
		}
	}

	network, address := c.network, c.address
	if len(c.cfg.sentinels) > 0 {
		master, err := resolveSentinelMaster(c.cfg.sentinels, c.cfg.sentinelMaster)
		if err != nil {
			return err
		}
		network, address = "tcp", master
	}

	conn, err := redis.Dial(network, address, opts...)
	if err != nil {
		return err
	}
	c.conn = conn
	c.peer = address
	return nil
}

// resolveSentinelMaster asks each sentinel in turn for the current address
// of the named master, returning the address reported by whichever
// sentinel answers first.
func resolveSentinelMaster(sentinels []SentinelAddr, name string) (string, error) {
	var lastErr error
	for _, s := range sentinels {
		addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
		conn, err := redis.DialTimeout("tcp", addr, 2*time.Second, time.Second, time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		parts, err := redis.Strings(conn.Do("SENTINEL", "get-master-addr-by-name", name))
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if len(parts) != 2 {
			lastErr = fmt.Errorf("sentinel %s: unexpected reply for master %q", addr, name)
			continue
		}
		return net.JoinHostPort(parts[0], parts[1]), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no sentinels configured")
	}
	return "", fmt.Errorf("rrpubsub: resolve sentinel master %q: %w", name, lastErr)
}

// startIO launches the inbound Wire I/O goroutine (runIO) against the
// current connection. Must only be called right after a successful dial.
func (c *Conn) startIO() {
	c.ioStop = make(chan struct{})
	pubsub := &redis.PubSubConn{Conn: c.conn}
	go runIO(pubsub, c.cfg.readTimeout, c.ioStop, c.eventCh)
}

// stopIO signals the current Wire I/O goroutine to exit. Safe to call even
// if no goroutine is running.
func (c *Conn) stopIO() {
	if c.ioStop == nil {
		return
	}
	close(c.ioStop)
	c.ioStop = nil
}

// scheduleConnect arms a one-shot timer that posts evConnectTimer after
// delay. Used both for the bootstrap kick's immediate internal connect
// event (delay 0) and for the exponential backoff schedule.
func (c *Conn) scheduleConnect(delay time.Duration) {
	if c.reconnectAt != nil {
		c.reconnectAt.Stop()
	}
	eventCh := c.eventCh
	c.reconnectAt = time.AfterFunc(delay, func() {
		select {
		case eventCh <- event{kind: evConnectTimer}:
		default:
		}
	})
}

// tryConnect is the reconnect timer firing: attempt to (re)connect,
// transitioning to connected on success or rescheduling under backoff on
// failure.
func (c *Conn) tryConnect() {
	if err := c.dial(); err != nil {
		c.handleConnectFailure(err)
		return
	}

	c.state = stateConnected
	c.backoff.Reset()
	c.logAt(LogReconnection, logrus.Fields{"addr": c.address}, "rrpubsub: connected")
	c.startIO()
	c.onConnected()
}

// onConnected purges stale empty entries, then resubscribes to everything
// still pending, which is the entire interest set while disconnected.
func (c *Conn) onConnected() {
	c.ledger.purgeEmpty()
	channels, patterns := c.ledger.pendingByKind()
	if err := sendSubscribe(c.conn, channels, patterns); err != nil {
		c.handleTransportFailure(err)
	}
}

// handleConnectFailure logs the failure and retries under backoff, unless
// WithExitOnDisconnect asks the machine to stop instead.
func (c *Conn) handleConnectFailure(err error) {
	c.logAt(LogFailedConnection, logrus.Fields{"addr": c.address, "error": err}, "rrpubsub: connect failed")
	if c.cfg.exitOnDisconnect {
		c.lastReason = &ConnectError{Addr: c.address, Err: err}
		c.closeOnce()
		return
	}
	c.armReconnect()
}

// handleTransportFailure handles a transport or protocol error: close the
// socket, fall back to disconnected, and follow the reconnect protocol.
func (c *Conn) handleTransportFailure(err error) {
	if c.state != stateConnected {
		return
	}

	c.stopIO()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.enterDisconnected(&TransportError{Err: err})

	if c.cfg.exitOnDisconnect {
		c.closeOnce()
		return
	}

	for sub := range allSubscribers(c.registry) {
		ref, _ := c.registry.refOf(sub)
		sub.Deliver(Event{Conn: c.address, Ref: ref, Kind: EventDisconnected, Transport: c.transportTag(), Err: err, Reason: err.Error()})
	}

	c.armReconnect()
}

// enterDisconnected performs the ledger/peer bookkeeping shared by the
// initial transition (no prior connection) and every subsequent
// disconnect: migrate confirmed interest back to pending, clear peer
// address, record the reason.
func (c *Conn) enterDisconnected(reason error) {
	c.ledger.onDisconnectReset()
	c.peer = ""
	c.lastReason = reason
	c.state = stateDisconnected
	if reason != nil {
		c.logAt(LogDisconnection, logrus.Fields{"addr": c.address, "error": reason}, "rrpubsub: disconnected")
	}
}

func (c *Conn) armReconnect() {
	c.scheduleConnect(c.backoff.Duration())
}

func allSubscribers(r *registry) map[Subscriber]struct{} {
	subs := make(map[Subscriber]struct{}, len(r.entries))
	for sub := range r.entries {
		subs[sub] = struct{}{}
	}
	return subs
}
