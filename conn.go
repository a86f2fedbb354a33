package rrpubsub

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// connState is one of the three states the connection can be in.
type connState uint8

const (
	stateNeedsBootstrap connState = iota
	stateDisconnected
	stateConnected
)

func (s connState) String() string {
	switch s {
	case stateNeedsBootstrap:
		return "needs-bootstrap"
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// eventKind discriminates the internal event stream consumed by Conn.run.
// It merges wire I/O occurrences, the reconnect timer, subscriber death
// notifications, and the bootstrap self-kick into one stream so the state
// machine has a single point of serialization.
type eventKind uint8

const (
	evBootstrap eventKind = iota
	evConnectTimer
	evSubscription
	evMessage
	evIOError
	evSubscriberDied
)

// event is one entry of that internal stream.
type event struct {
	kind   eventKind
	subAck redis.Subscription
	msg    redis.Message
	err    error
	sub    Subscriber
}

// reqKind discriminates the four external operations a caller can issue.
type reqKind uint8

const (
	reqSubscribe reqKind = iota
	reqPSubscribe
	reqUnsubscribe
	reqPUnsubscribe
)

// request is one external call, delivered over Conn.cmdCh with a
// buffered reply channel so the state machine never blocks handing the
// reply back.
type request struct {
	kind    reqKind
	targets []string
	sub     Subscriber
	reply   chan reply
}

type reply struct {
	ref SubscriberRef
	err error
}

// Conn is one long-lived, self-reconnecting Redis pub/sub connection,
// multiplexing subscriptions from many in-process Subscribers.
type Conn struct {
	network string
	address string
	cfg     *config
	logger  *logrus.Entry

	cmdCh   chan *request
	eventCh chan event
	closeCh chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	// Touched only inside run(); no locking needed since run() is the
	// only writer.
	state       connState
	postponed   []*request
	conn        redis.Conn
	ioStop      chan struct{}
	peer        string
	lastReason  error
	backoff     *backoff.Backoff
	reconnectAt *time.Timer

	ledger   *ledger
	registry *registry
}

// New returns a new Conn that dials network/address with the given
// options. By default the connection starts in needs-bootstrap and the
// first connect attempt happens asynchronously; pass WithSyncConnect to
// block New on the first dial.
func New(network, address string, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Conn{
		network:  network,
		address:  address,
		cfg:      cfg,
		logger:   logrus.NewEntry(cfg.logger).WithField("component", "rrpubsub"),
		cmdCh:    make(chan *request),
		eventCh:  make(chan event, 64),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		backoff:  newBackoff(cfg.backoffInitial, cfg.backoffMax, cfg.backoffInfinite),
		ledger:   newLedger(),
		registry: newRegistry(),
	}

	if cfg.syncConnect {
		if err := c.dial(); err != nil {
			return nil, &ConnectError{Addr: address, Err: err}
		}
		c.state = stateConnected
		c.backoff.Reset()
		c.startIO()
	} else {
		c.state = stateNeedsBootstrap
	}

	go c.run()

	if c.state == stateNeedsBootstrap {
		c.eventCh <- event{kind: evBootstrap}
	}

	return c, nil
}

var pathDBRegexp = regexp.MustCompile(`/(\d*)\z`)

// NewURL returns a new Conn configured from a redis:// or rediss:// URL,
// following the draft IANA scheme
// (https://www.iana.org/assignments/uri-schemes/prov/redis). A rediss://
// URL selects TLS the same way WithTLS(nil) does.
func NewURL(rawurl string, opts ...Option) (*Conn, error) {
	network, address, dialOpts, err := parseRedisURL(rawurl)
	if err != nil {
		return nil, err
	}
	front := []Option{WithDialOptions(dialOpts...)}
	if u, err := url.Parse(rawurl); err == nil && u.Scheme == "rediss" {
		front = append(front, WithTLS(nil))
	}
	opts = append(front, opts...)
	return New(network, address, opts...)
}

func parseRedisURL(rawurl string) (network, address string, opts []redis.DialOption, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", nil, err
	}

	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return "", "", nil, fmt.Errorf("invalid redis URL scheme: %s", u.Scheme)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		port = "6379"
	}
	if host == "" {
		host = "localhost"
	}
	address = net.JoinHostPort(host, port)

	if u.User != nil {
		if password, isSet := u.User.Password(); isSet {
			opts = append(opts, redis.DialPassword(password))
		}
	}

	match := pathDBRegexp.FindStringSubmatch(u.Path)
	if len(match) == 2 {
		db := 0
		if len(match[1]) > 0 {
			db, err = strconv.Atoi(match[1])
			if err != nil {
				return "", "", nil, fmt.Errorf("invalid database: %s", u.Path[1:])
			}
		}
		if db != 0 {
			opts = append(opts, redis.DialDatabase(db))
		}
	} else if u.Path != "" {
		return "", "", nil, fmt.Errorf("invalid database: %s", u.Path[1:])
	}

	opts = append(opts, redis.DialUseTLS(u.Scheme == "rediss"))

	return "tcp", address, opts, nil
}

// Subscribe requests interest in one or more exact-match channels on
// behalf of sub. It returns sub's SubscriberRef once the ledger has been
// updated; any resulting :subscribed/:disconnected notification is
// delivered afterwards, so a caller never observes a notification for a
// ref it hasn't received yet.
func (c *Conn) Subscribe(sub Subscriber, channels ...string) (SubscriberRef, error) {
	return c.call(reqSubscribe, channels, sub)
}

// PSubscribe is the pattern-match counterpart of Subscribe.
func (c *Conn) PSubscribe(sub Subscriber, patterns ...string) (SubscriberRef, error) {
	return c.call(reqPSubscribe, patterns, sub)
}

// Unsubscribe withdraws sub's interest in the given channels.
// Unsubscribing from a channel sub was never subscribed to is silently
// ignored.
func (c *Conn) Unsubscribe(sub Subscriber, channels ...string) error {
	_, err := c.call(reqUnsubscribe, channels, sub)
	return err
}

// PUnsubscribe is the pattern-match counterpart of Unsubscribe.
func (c *Conn) PUnsubscribe(sub Subscriber, patterns ...string) error {
	_, err := c.call(reqPUnsubscribe, patterns, sub)
	return err
}

func (c *Conn) call(kind reqKind, targets []string, sub Subscriber) (SubscriberRef, error) {
	req := &request{kind: kind, targets: targets, sub: sub, reply: make(chan reply, 1)}
	select {
	case c.cmdCh <- req:
	case <-c.doneCh:
		return 0, fmt.Errorf("rrpubsub: connection closed")
	}
	select {
	case r := <-req.reply:
		return r.ref, r.err
	case <-c.doneCh:
		return 0, fmt.Errorf("rrpubsub: connection closed")
	}
}

// Close terminates the connection: the socket (if any) is closed, the
// state machine goroutine exits, and every registered subscriber receives
// no further events.
func (c *Conn) Close() error {
	c.closeOnce()
	<-c.doneCh
	return nil
}

// closeOnce closes closeCh exactly once, whether triggered by an external
// Close call or by the run loop itself (WithExitOnDisconnect). Both paths
// share c.once so a later Close after an internal exit never double-closes
// the channel.
func (c *Conn) closeOnce() {
	c.once.Do(func() { close(c.closeCh) })
}

// Done returns a channel that closes once the connection has fully shut
// down, for callers that want to select on it instead of blocking in
// Close.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// run is the state machine's single goroutine: exactly one event is
// processed to completion before the next.
func (c *Conn) run() {
	defer c.shutdown()

	for {
		select {
		case req := <-c.cmdCh:
			c.handleRequest(req)
		case ev := <-c.eventCh:
			if !c.handleEvent(ev) {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) shutdown() {
	if c.reconnectAt != nil {
		c.reconnectAt.Stop()
	}
	c.stopIO()
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.doneCh)
}

// handleRequest implements the per-state subscribe/unsubscribe transitions:
// postpone while bootstrapping, otherwise act immediately.
func (c *Conn) handleRequest(req *request) {
	if c.state == stateNeedsBootstrap {
		c.postponed = append(c.postponed, req)
		return
	}

	ref := c.registry.acquire(req.sub, c.eventCh)

	switch req.kind {
	case reqSubscribe, reqPSubscribe:
		c.handleSubscribeRequest(req, ref)
	case reqUnsubscribe, reqPUnsubscribe:
		c.handleUnsubscribeRequest(req, ref)
	}
}

func (c *Conn) targetsFor(req *request) []Target {
	if req.kind == reqSubscribe || req.kind == reqUnsubscribe {
		return channelTargets(req.targets)
	}
	return patternTargets(req.targets)
}

func (c *Conn) handleSubscribeRequest(req *request, ref SubscriberRef) {
	targets := c.targetsFor(req)
	toWire, alreadyConfirmed := c.ledger.addInterest(targets, req.sub)

	req.reply <- reply{ref: ref}

	for _, t := range alreadyConfirmed {
		c.notifySubscribed(req.sub, ref, t)
	}

	switch c.state {
	case stateConnected:
		if len(toWire) > 0 {
			if err := sendByTarget(c.conn, toWire, sendSubscribe); err != nil {
				c.handleTransportFailure(err)
			}
		}
	case stateDisconnected:
		req.sub.Deliver(Event{
			Conn:      c.address,
			Ref:       ref,
			Kind:      EventDisconnected,
			Transport: c.transportTag(),
			Reason:    c.disconnectReason(),
		})
	}
}

func (c *Conn) handleUnsubscribeRequest(req *request, ref SubscriberRef) {
	targets := c.targetsFor(req)
	toWire := c.ledger.removeInterest(targets, req.sub)

	req.reply <- reply{ref: ref}

	for _, t := range targets {
		c.notifyUnsubscribed(req.sub, ref, t)
	}

	if c.state == stateConnected && len(toWire) > 0 {
		if err := sendByTarget(c.conn, toWire, sendUnsubscribe); err != nil {
			c.handleTransportFailure(err)
		}
	}

	c.registry.releaseIfIdle(req.sub, c.ledger)
}

func (c *Conn) notifySubscribed(sub Subscriber, ref SubscriberRef, t Target) {
	ev := Event{Conn: c.address, Ref: ref}
	if t.Kind == ChannelTarget {
		ev.Kind = EventSubscribed
		ev.Channel = t.Name
	} else {
		ev.Kind = EventPSubscribed
		ev.Pattern = t.Name
	}
	sub.Deliver(ev)
}

func (c *Conn) notifyUnsubscribed(sub Subscriber, ref SubscriberRef, t Target) {
	ev := Event{Conn: c.address, Ref: ref}
	if t.Kind == ChannelTarget {
		ev.Kind = EventUnsubscribed
		ev.Channel = t.Name
	} else {
		ev.Kind = EventPUnsubscribed
		ev.Pattern = t.Name
	}
	sub.Deliver(ev)
}

func (c *Conn) disconnectReason() string {
	if c.lastReason == nil {
		return ""
	}
	return c.lastReason.Error()
}

// transportTag reports the transport an EventDisconnected should be tagged
// with, so a subscriber can tell a TLS drop apart from a plain TCP one.
func (c *Conn) transportTag() string {
	if c.cfg.useTLS {
		return "tls"
	}
	return "tcp"
}

// handleEvent implements the remaining transitions, everything not driven
// by an external request. It returns false when the machine should
// terminate.
func (c *Conn) handleEvent(ev event) bool {
	if c.state == stateNeedsBootstrap {
		switch ev.kind {
		case evBootstrap:
			c.enterDisconnected(nil)
			c.replayPostponed()
			c.scheduleConnect(0)
			return true
		default:
			// Anything else arriving before bootstrap completes is
			// handled the same way it would be once disconnected.
			// Postponed requests have not yet touched the registry or
			// the ledger, so no death watcher, socket or timer exists
			// to produce such an event at this point.
			return c.handleSteadyStateEvent(ev)
		}
	}
	return c.handleSteadyStateEvent(ev)
}

func (c *Conn) handleSteadyStateEvent(ev event) bool {
	switch ev.kind {
	case evConnectTimer:
		c.tryConnect()
	case evSubscription:
		c.dispatchSubscriptionAck(ev.subAck)
	case evMessage:
		c.dispatchMessage(ev.msg)
	case evIOError:
		c.handleTransportFailure(ev.err)
	case evSubscriberDied:
		c.handleSubscriberDied(ev.sub)
	}
	return true
}

func (c *Conn) replayPostponed() {
	postponed := c.postponed
	c.postponed = nil
	for _, req := range postponed {
		c.handleRequest(req)
	}
}

func (c *Conn) dispatchSubscriptionAck(sub redis.Subscription) {
	switch sub.Kind {
	case "subscribe":
		c.onConfirmed(Channel(sub.Channel), EventSubscribed)
	case "psubscribe":
		c.onConfirmed(Pattern(sub.Channel), EventPSubscribed)
	case "unsubscribe":
		c.onServerUnsubscribe(Channel(sub.Channel))
	case "punsubscribe":
		c.onServerUnsubscribe(Pattern(sub.Channel))
	default:
		c.handleTransportFailure(&ProtocolError{Frame: sub.Kind})
	}
}

func (c *Conn) onConfirmed(t Target, kind EventKind) {
	migrated := c.ledger.onSubscribeConfirmed(t)
	if migrated == nil {
		c.logStaleAck(t.Kind.String()+"-subscribe", t)
		return
	}
	for _, sub := range migrated {
		ref, _ := c.registry.refOf(sub)
		ev := Event{Conn: c.address, Ref: ref, Kind: kind}
		if t.Kind == ChannelTarget {
			ev.Channel = t.Name
		} else {
			ev.Pattern = t.Name
		}
		sub.Deliver(ev)
	}
}

// onServerUnsubscribe handles a confirmed UNSUBSCRIBE/PUNSUBSCRIBE: either
// one we asked for, or one the server-side CLIENT KILL/UNSUBSCRIBE path
// initiated while local interest still existed, in which case it
// re-subscribes immediately.
func (c *Conn) onServerUnsubscribe(t Target) {
	if !c.ledger.onUnsubscribeConfirmed(t) {
		return
	}
	var err error
	if t.Kind == ChannelTarget {
		err = sendSubscribe(c.conn, []string{t.Name}, nil)
	} else {
		err = sendSubscribe(c.conn, nil, []string{t.Name})
	}
	if err != nil {
		c.handleTransportFailure(err)
	}
}

func (c *Conn) dispatchMessage(msg redis.Message) {
	var t Target
	var ev Event
	if msg.Pattern != "" {
		t = Pattern(msg.Pattern)
		ev = Event{Conn: c.address, Kind: EventPMessage, Pattern: msg.Pattern, Channel: msg.Channel, Payload: msg.Data}
	} else {
		t = Channel(msg.Channel)
		ev = Event{Conn: c.address, Kind: EventMessage, Channel: msg.Channel, Payload: msg.Data}
	}

	for sub := range c.ledger.confirmedSubscribers(t) {
		out := ev
		out.Ref, _ = c.registry.refOf(sub)
		sub.Deliver(out)
	}
}

func (c *Conn) handleSubscriberDied(sub Subscriber) {
	channelOrphans, patternOrphans := c.ledger.dropSubscriber(sub)
	c.registry.remove(sub)

	if c.state != stateConnected {
		return
	}
	if err := sendUnsubscribe(c.conn, namesOf(channelOrphans), namesOf(patternOrphans)); err != nil {
		c.handleTransportFailure(err)
	}
}

func namesOf(targets []Target) []string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	return names
}
