package rrpubsub

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// config holds every recognized connection option. It is built up by
// Option functions passed to New/NewURL.
type config struct {
	tlsConfig        *tls.Config
	useTLS           bool
	syncConnect      bool
	exitOnDisconnect bool

	backoffInitial  time.Duration
	backoffMax      time.Duration
	backoffInfinite bool

	logLevels map[EventClass]logrus.Level
	logger    *logrus.Logger

	dialOptions    []redis.DialOption
	sentinels      []SentinelAddr
	sentinelMaster string

	readTimeout time.Duration
}

func defaultConfig() *config {
	return &config{
		backoffInitial: 100 * time.Millisecond,
		backoffMax:     10 * time.Second,
		logLevels:      defaultLogLevels(),
		logger:         logrus.StandardLogger(),
		readTimeout:    2 * redisPingInterval,
	}
}

// Option configures a Conn at construction time, for the options Conn
// itself interprets rather than merely forwards to redigo.
type Option func(*config)

// WithTLS selects a TLS transport and supplies the TLS configuration used
// for the handshake.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(c *config) {
		c.useTLS = true
		c.tlsConfig = tlsConfig
	}
}

// WithSyncConnect makes New dial before returning, failing start-up on
// error instead of entering needs-bootstrap.
func WithSyncConnect() Option {
	return func(c *config) { c.syncConnect = true }
}

// WithExitOnDisconnect makes any disconnect terminate the connection with
// the disconnect reason instead of reconnecting.
func WithExitOnDisconnect() Option {
	return func(c *config) { c.exitOnDisconnect = true }
}

// WithBackoff sets the backoff schedule's initial and max delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *config) {
		c.backoffInitial = initial
		c.backoffMax = max
		c.backoffInfinite = false
	}
}

// WithInfiniteBackoff sets the initial delay and removes the cap.
func WithInfiniteBackoff(initial time.Duration) Option {
	return func(c *config) {
		c.backoffInitial = initial
		c.backoffInfinite = true
	}
}

// WithLogLevels overrides the per-event-class log level mapping. Unset
// classes keep their default.
func WithLogLevels(levels map[EventClass]logrus.Level) Option {
	return func(c *config) {
		for class, level := range levels {
			c.logLevels[class] = level
		}
	}
}

// WithLogger sets the logrus.Logger events are written to; defaults to
// logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithReadTimeout overrides how long the inbound wire-reader goroutine
// blocks waiting for a frame before it wakes up to check for a requested
// shutdown. A timeout is not itself treated as a transport failure.
// Defaults to twice the ping interval.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) { c.readTimeout = d }
}

// WithDialOptions forwards additional redis.DialOption values to
// redis.Dial, covering authentication, explicit timeouts, and anything
// else a plain host/port connect needs.
func WithDialOptions(opts ...redis.DialOption) Option {
	return func(c *config) { c.dialOptions = append(c.dialOptions, opts...) }
}

// SentinelAddr is one sentinel instance dial() will query for the current
// master address.
type SentinelAddr struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DecodeSentinels decodes a loosely-typed sentinel option value, as it
// would arrive from an external configuration loader, into a slice of
// SentinelAddr. raw is expected to be a []interface{} of
// map[string]interface{}{"host": ..., "port": ...} entries, the shape a
// YAML or JSON decoder produces for a list of host/port pairs.
func DecodeSentinels(raw interface{}) ([]SentinelAddr, error) {
	var addrs []SentinelAddr
	if err := mapstructure.Decode(raw, &addrs); err != nil {
		return nil, fmt.Errorf("rrpubsub: decode sentinel config: %w", err)
	}
	return addrs, nil
}

// WithSentinels decodes raw via DecodeSentinels and makes every dial
// attempt resolve the current address of the named master by querying each
// sentinel in turn (SENTINEL get-master-addr-by-name), connecting to
// whichever one answers first. Conn never subscribes to Sentinel's own
// +switch-master notifications, it just re-resolves on every reconnect.
func WithSentinels(name string, raw interface{}) (Option, error) {
	addrs, err := DecodeSentinels(raw)
	if err != nil {
		return nil, err
	}
	return func(c *config) {
		if len(addrs) == 0 {
			return
		}
		c.sentinels = addrs
		c.sentinelMaster = name
	}, nil
}
