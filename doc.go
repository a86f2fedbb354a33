/*
Package rrpubsub contains a more reliable implementation of Redis Pub-Sub, backed by the redigo library.

It keeps a single persistent connection to a Redis server and multiplexes
subscriptions from many in-process Subscribers onto it: at most one wire
SUBSCRIBE/PSUBSCRIBE is ever outstanding per channel or pattern, no matter
how many local Subscribers want it, and every Subscriber's interest is
tracked in a pending/confirmed ledger that survives disconnects. When the
connection drops, it reconnects with an exponential backoff and
re-subscribes to everything that was confirmed before the drop.

This does not guarantee that all messages will be received: anything
published while the connection was down will be lost, so it's still a
best-effort thing. Just a much better effort than out of the box.
*/
package rrpubsub
