package rrpubsub

// registryEntry pairs the ref issued to a subscriber with the stop channel
// used to cancel its death watcher.
type registryEntry struct {
	ref  SubscriberRef
	stop chan struct{}
}

// registry tracks live subscribers, installs death notifications, and
// issues per-subscriber refs. Mutated only by the connection's
// state-machine goroutine.
type registry struct {
	entries map[Subscriber]*registryEntry
	nextRef uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[Subscriber]*registryEntry)}
}

// acquire is idempotent: a subscriber already known to the registry gets
// back its existing ref and no new watcher is installed. A previously
// unseen subscriber gets a freshly allocated ref and a death watcher that
// posts a subscriberDied event to died when sub.Done() fires.
func (r *registry) acquire(sub Subscriber, died chan<- event) SubscriberRef {
	if e, ok := r.entries[sub]; ok {
		return e.ref
	}

	r.nextRef++
	e := &registryEntry{
		ref:  SubscriberRef(r.nextRef),
		stop: make(chan struct{}),
	}
	r.entries[sub] = e

	go watchDeath(sub, e.stop, died)

	return e.ref
}

// refOf returns the ref for a subscriber already known to the registry.
// The second return value is false if the subscriber was never acquired
// (or has since been released).
func (r *registry) refOf(sub Subscriber) (SubscriberRef, bool) {
	e, ok := r.entries[sub]
	if !ok {
		return 0, false
	}
	return e.ref, true
}

// releaseIfIdle removes sub's registry entry and cancels its death watcher
// once the ledger shows no remaining interest for it.
func (r *registry) releaseIfIdle(sub Subscriber, l *ledger) {
	if l.hasSubscriber(sub) {
		return
	}
	r.remove(sub)
}

// remove unconditionally drops sub's registry entry and cancels its death
// watcher, regardless of ledger state. Used when the death notification
// itself is what triggered the removal.
func (r *registry) remove(sub Subscriber) {
	e, ok := r.entries[sub]
	if !ok {
		return
	}
	close(e.stop)
	delete(r.entries, sub)
}

// watchDeath is the per-subscriber watcher goroutine. It blocks on the
// subscriber's own Done() channel and the registry's stop channel (closed
// by remove), whichever fires first.
func watchDeath(sub Subscriber, stop <-chan struct{}, died chan<- event) {
	select {
	case <-sub.Done():
		select {
		case died <- event{kind: evSubscriberDied, sub: sub}:
		case <-stop:
		}
	case <-stop:
	}
}
