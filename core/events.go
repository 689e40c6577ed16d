package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventSubscription delivers admin events to one subscriber in order,
// starting from the watermark it was created with, at least once.
// Delivery retries with backoff when the subscriber's channel is full
// rather than dropping events.
type EventSubscription struct {
	log *logrus.Entry

	st EventStore
	ch chan AdminEvent

	mu        sync.Mutex
	watermark int64
	closed    bool
	stopCh    chan struct{}
}

// DefaultPollInterval is how often a subscription checks for new events.
const DefaultPollInterval = 200 * time.Millisecond

// EventSubscriber polls an EventStore and fans committed events out to
// any number of live EventSubscriptions, each tracking its own
// watermark.
type EventSubscriber struct {
	log *logrus.Entry
	st  EventStore

	mu   sync.Mutex
	subs map[*EventSubscription]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEventSubscriber starts polling st for newly appended events.
func NewEventSubscriber(st EventStore, log *logrus.Logger) *EventSubscriber {
	if log == nil {
		log = logrus.New()
	}
	s := &EventSubscriber{
		log:    log.WithField("component", "event_subscriber"),
		st:     st,
		subs:   make(map[*EventSubscription]struct{}),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.poll()
	return s
}

// Subscribe returns a new subscription delivering events with id greater
// than fromWatermark, in order, at least once.
func (s *EventSubscriber) Subscribe(fromWatermark int64) *EventSubscription {
	sub := &EventSubscription{
		log:       s.log,
		st:        s.st,
		ch:        make(chan AdminEvent, 64),
		watermark: fromWatermark,
		stopCh:    make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Unsubscribe stops delivery to sub and releases its channel.
func (s *EventSubscriber) Unsubscribe(sub *EventSubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.close()
}

// Shutdown stops the polling loop and every live subscription.
func (s *EventSubscriber) Shutdown() {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.close()
	}
}

func (s *EventSubscriber) poll() {
	defer s.wg.Done()
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.deliverOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *EventSubscriber) deliverOnce() {
	s.mu.Lock()
	subs := make([]*EventSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.catchUp()
	}
}

// catchUp fetches every event since the subscription's watermark and
// attempts to deliver them in order, retrying with backoff if the
// subscriber's channel is full instead of skipping events.
func (sub *EventSubscription) catchUp() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	watermark := sub.watermark
	sub.mu.Unlock()

	events, err := sub.st.ListEventsSince(watermark)
	if err != nil {
		sub.log.WithError(err).Warn("failed to list events for subscription")
		return
	}
	for _, e := range events {
		if !sub.deliver(e) {
			return
		}
		sub.mu.Lock()
		sub.watermark = e.ID
		sub.mu.Unlock()
	}
}

func (sub *EventSubscription) deliver(e AdminEvent) bool {
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		select {
		case sub.ch <- e:
			return true
		case <-sub.stopCh:
			return false
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	sub.log.WithField("event_id", e.ID).Warn("subscriber channel persistently full, will retry next poll")
	return false
}

// Events returns the channel new events are delivered on.
func (sub *EventSubscription) Events() <-chan AdminEvent { return sub.ch }

// Watermark returns the id of the last event successfully delivered.
func (sub *EventSubscription) Watermark() int64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.watermark
}

func (sub *EventSubscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.stopCh)
	close(sub.ch)
}
