package rrpubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAcquireIsIdempotent(t *testing.T) {
	r := newRegistry()
	a := newFakeSubscriber("a")
	died := make(chan event, 1)

	ref1 := r.acquire(a, died)
	ref2 := r.acquire(a, died)

	assert.Equal(t, ref1, ref2)
	assert.Len(t, r.entries, 1)
}

func TestRegistryAcquireAllocatesDistinctRefs(t *testing.T) {
	r := newRegistry()
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")
	died := make(chan event, 2)

	refA := r.acquire(a, died)
	refB := r.acquire(b, died)

	assert.NotEqual(t, refA, refB)
}

func TestRegistryReleaseIfIdleRemovesOnlyWhenUntracked(t *testing.T) {
	r := newRegistry()
	l := newLedger()
	a := newFakeSubscriber("a")
	died := make(chan event, 1)

	r.acquire(a, died)
	l.addInterest([]Target{Channel("x")}, a)

	r.releaseIfIdle(a, l)
	_, stillThere := r.refOf(a)
	assert.True(t, stillThere)

	l.removeInterest([]Target{Channel("x")}, a)
	r.releaseIfIdle(a, l)
	_, stillThere = r.refOf(a)
	assert.False(t, stillThere)
}

func TestRegistryWatchDeathPostsEventOnDone(t *testing.T) {
	r := newRegistry()
	a := newFakeSubscriber("a")
	died := make(chan event, 1)

	r.acquire(a, died)
	close(a.done)

	select {
	case ev := <-died:
		assert.Equal(t, evSubscriberDied, ev.kind)
		assert.Equal(t, Subscriber(a), ev.sub)
	case <-time.After(time.Second):
		t.Fatal("expected a subscriberDied event")
	}
}

func TestRegistryRemoveStopsWatcherWithoutPostingEvent(t *testing.T) {
	r := newRegistry()
	a := newFakeSubscriber("a")
	died := make(chan event, 1)

	r.acquire(a, died)
	r.remove(a)

	select {
	case ev := <-died:
		t.Fatalf("unexpected event after remove: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	_, ok := r.refOf(a)
	assert.False(t, ok)
}
