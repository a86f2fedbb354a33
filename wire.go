package rrpubsub

import (
	"fmt"
	"net"
	"time"

	"github.com/gomodule/redigo/redis"
)

// redisPingInterval sets the scale of the default read timeout, which is
// twice this value. No PING is ever sent on the connection.
const redisPingInterval = 30 * time.Second

// sendSubscribe writes SUBSCRIBE/PSUBSCRIBE commands for the given
// channels/patterns as up to two independent RESP array commands in a
// single transport write. Empty lists emit nothing.
func sendSubscribe(conn redis.Conn, channels, patterns []string) error {
	if len(channels) == 0 && len(patterns) == 0 {
		return nil
	}
	if len(channels) > 0 {
		if err := conn.Send("SUBSCRIBE", toArgs(channels)...); err != nil {
			return fmt.Errorf("rrpubsub: SUBSCRIBE: %w", err)
		}
	}
	if len(patterns) > 0 {
		if err := conn.Send("PSUBSCRIBE", toArgs(patterns)...); err != nil {
			return fmt.Errorf("rrpubsub: PSUBSCRIBE: %w", err)
		}
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("rrpubsub: flush: %w", err)
	}
	return nil
}

// sendUnsubscribe is the UNSUBSCRIBE/PUNSUBSCRIBE counterpart of
// sendSubscribe.
func sendUnsubscribe(conn redis.Conn, channels, patterns []string) error {
	if len(channels) == 0 && len(patterns) == 0 {
		return nil
	}
	if len(channels) > 0 {
		if err := conn.Send("UNSUBSCRIBE", toArgs(channels)...); err != nil {
			return fmt.Errorf("rrpubsub: UNSUBSCRIBE: %w", err)
		}
	}
	if len(patterns) > 0 {
		if err := conn.Send("PUNSUBSCRIBE", toArgs(patterns)...); err != nil {
			return fmt.Errorf("rrpubsub: PUNSUBSCRIBE: %w", err)
		}
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("rrpubsub: flush: %w", err)
	}
	return nil
}

// sendByTarget splits targets by kind and issues the matching wire
// command. fn is sendSubscribe or sendUnsubscribe.
func sendByTarget(conn redis.Conn, targets []Target, fn func(redis.Conn, []string, []string) error) error {
	channels, patterns := splitByKind(targets)
	return fn(conn, channels, patterns)
}

// runIO feeds received bytes through redigo's stateful RESP parser
// (redis.PubSubConn) and posts one event per parsed frame into the state
// machine's event channel. It owns no ledger state itself, it only ever
// posts events.
func runIO(pubsub *redis.PubSubConn, readTimeout time.Duration, stop <-chan struct{}, events chan<- event) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		switch v := pubsub.ReceiveWithTimeout(readTimeout).(type) {
		case redis.Message:
			select {
			case events <- event{kind: evMessage, msg: v}:
			case <-stop:
				return
			}
		case redis.Subscription:
			select {
			case events <- event{kind: evSubscription, subAck: v}:
			case <-stop:
				return
			}
		case error:
			if isTimeout(v) {
				continue
			}
			select {
			case events <- event{kind: evIOError, err: v}:
			case <-stop:
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func toArgs(s []string) []interface{} {
	r := make([]interface{}, 0, len(s))
	for _, str := range s {
		r = append(r, str)
	}
	return r
}
