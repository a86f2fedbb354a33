package rrpubsub

import "github.com/sirupsen/logrus"

// EventClass identifies one of the three loggable connection occurrences
// a caller can set a level for via WithLogLevels.
type EventClass string

const (
	LogDisconnection    EventClass = "disconnection"
	LogReconnection     EventClass = "reconnection"
	LogFailedConnection EventClass = "failed_connection"
)

// defaultLogLevels mirrors what most callers want out of the box: a
// reconnection is routine (Info), a disconnection deserves attention
// (Warn), and a failed connect attempt under backoff is expected churn
// during an outage (Warn) rather than an error on every retry.
func defaultLogLevels() map[EventClass]logrus.Level {
	return map[EventClass]logrus.Level{
		LogDisconnection:    logrus.WarnLevel,
		LogReconnection:     logrus.InfoLevel,
		LogFailedConnection: logrus.WarnLevel,
	}
}

func (c *Conn) logAt(class EventClass, fields logrus.Fields, msg string) {
	level, ok := c.cfg.logLevels[class]
	if !ok {
		level = logrus.InfoLevel
	}
	c.logger.WithFields(fields).Log(level, msg)
}

// logStaleAck covers a SUBSCRIBE/PSUBSCRIBE confirmation for a target
// that is no longer (or never was) pending in the ledger. It is dropped
// silently; this just makes the drop observable at debug level.
func (c *Conn) logStaleAck(kind string, target Target) {
	c.logger.WithFields(logrus.Fields{
		"kind":       kind,
		"target":     target.Name,
		"targetKind": target.Kind.String(),
	}).Debug("rrpubsub: stale subscription ack, ignoring")
}
