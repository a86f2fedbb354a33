package rrpubsub

// subscriberSet is an unordered set of subscribers interested in a single
// Target. Sets are never allowed to be empty once stored in a ledger map;
// the moment a set would become empty, the caller removes the map entry.
type subscriberSet map[Subscriber]struct{}

func newSubscriberSet(first Subscriber) subscriberSet {
	return subscriberSet{first: struct{}{}}
}

func (s subscriberSet) slice() []Subscriber {
	out := make([]Subscriber, 0, len(s))
	for sub := range s {
		out = append(out, sub)
	}
	return out
}

// ledger tracks subscription intent in two maps, confirmed and pending,
// each Target -> subscriberSet. It is mutated only by the connection's
// single state-machine goroutine; no internal locking.
type ledger struct {
	confirmed map[Target]subscriberSet
	pending   map[Target]subscriberSet
}

func newLedger() *ledger {
	return &ledger{
		confirmed: make(map[Target]subscriberSet),
		pending:   make(map[Target]subscriberSet),
	}
}

// addInterest records sub's interest in each target. It returns the
// targets that need a wire SUBSCRIBE/PSUBSCRIBE (newly created pending
// entries) and the targets that were already confirmed, so the caller can
// deliver a synchronous :subscribed/:psubscribed notification for those.
func (l *ledger) addInterest(targets []Target, sub Subscriber) (toWire, alreadyConfirmed []Target) {
	for _, t := range targets {
		if set, ok := l.confirmed[t]; ok {
			set[sub] = struct{}{}
			alreadyConfirmed = append(alreadyConfirmed, t)
			continue
		}
		if set, ok := l.pending[t]; ok {
			set[sub] = struct{}{}
			continue
		}
		l.pending[t] = newSubscriberSet(sub)
		toWire = append(toWire, t)
	}
	return
}

// removeInterest drops sub's interest in each target. It returns the
// targets that became orphaned (their set became empty, regardless of
// whether they were confirmed or still pending) and therefore need a wire
// UNSUBSCRIBE/PUNSUBSCRIBE. Targets sub has no interest in are silently
// ignored, by construction.
func (l *ledger) removeInterest(targets []Target, sub Subscriber) (toWire []Target) {
	for _, t := range targets {
		if set, ok := l.confirmed[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.confirmed, t)
				toWire = append(toWire, t)
			}
			continue
		}
		if set, ok := l.pending[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.pending, t)
				toWire = append(toWire, t)
			}
		}
	}
	return
}

// dropSubscriber removes sub from every target it appears under, across
// both maps, and partitions the resulting orphans by kind so the caller
// can issue the right wire commands.
func (l *ledger) dropSubscriber(sub Subscriber) (channelOrphans, patternOrphans []Target) {
	drop := func(m map[Target]subscriberSet) {
		for t, set := range m {
			if _, ok := set[sub]; !ok {
				continue
			}
			delete(set, sub)
			if len(set) != 0 {
				continue
			}
			delete(m, t)
			if t.Kind == ChannelTarget {
				channelOrphans = append(channelOrphans, t)
			} else {
				patternOrphans = append(patternOrphans, t)
			}
		}
	}
	drop(l.confirmed)
	drop(l.pending)
	return
}

// onSubscribeConfirmed migrates a pending target to confirmed, returning
// the subscribers that migrated so the caller can notify each of them.
// If target has no pending entry (all interested subscribers unsubscribed
// before the ack arrived, or this is a stale/duplicate ack), it is a no-op.
func (l *ledger) onSubscribeConfirmed(target Target) []Subscriber {
	set, ok := l.pending[target]
	if !ok {
		return nil
	}
	delete(l.pending, target)
	l.confirmed[target] = set
	return set.slice()
}

// onUnsubscribeConfirmed handles a server-initiated UNSUBSCRIBE/PUNSUBSCRIBE
// ack. If local interest still exists (the unsubscribe was racing a fresh
// subscribe), the confirmed set is moved back to pending and true is
// returned so the caller re-issues the SUBSCRIBE/PSUBSCRIBE. Otherwise it
// is a no-op.
func (l *ledger) onUnsubscribeConfirmed(target Target) bool {
	set, ok := l.confirmed[target]
	if !ok || len(set) == 0 {
		return false
	}
	delete(l.confirmed, target)
	l.pending[target] = set
	return true
}

// onDisconnectReset moves every confirmed target back to pending. A
// target is never in both maps at once, so there is never anything to
// union-merge, but the merge is still performed defensively in case that
// invariant is ever violated upstream.
func (l *ledger) onDisconnectReset() {
	for t, set := range l.confirmed {
		if existing, ok := l.pending[t]; ok {
			for sub := range set {
				existing[sub] = struct{}{}
			}
		} else {
			l.pending[t] = set
		}
	}
	l.confirmed = make(map[Target]subscriberSet)
}

// purgeEmpty removes any zero-length entries that shouldn't exist but
// could in principle linger across a disconnect/reconnect race.
func (l *ledger) purgeEmpty() {
	for t, set := range l.pending {
		if len(set) == 0 {
			delete(l.pending, t)
		}
	}
	for t, set := range l.confirmed {
		if len(set) == 0 {
			delete(l.confirmed, t)
		}
	}
}

// pendingByKind returns every pending target split into channel names and
// pattern globs. While disconnected this is the entire interest set, and
// it is exactly what a fresh connect resubscribes to.
func (l *ledger) pendingByKind() (channels, patterns []string) {
	targets := make([]Target, 0, len(l.pending))
	for t := range l.pending {
		targets = append(targets, t)
	}
	return splitByKind(targets)
}

// confirmedSubscribers returns the subscriber set for target, or nil if
// there isn't one. Used on the message/pmessage delivery path.
func (l *ledger) confirmedSubscribers(target Target) subscriberSet {
	return l.confirmed[target]
}

// hasSubscriber reports whether sub is already tracked anywhere in the
// ledger (used by the Subscriber Registry's release_if_idle).
func (l *ledger) hasSubscriber(sub Subscriber) bool {
	for _, m := range []map[Target]subscriberSet{l.confirmed, l.pending} {
		for _, set := range m {
			if _, ok := set[sub]; ok {
				return true
			}
		}
	}
	return false
}
