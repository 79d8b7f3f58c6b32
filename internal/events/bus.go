// Package events delivers full ledger snapshots to subscribers whenever a
// collection changes.
package events

import (
	"context"
	"errors"
	"log"
	"sync"
)

// Topics published by the service.
const (
	TopicProposals = "proposals"
	TopicFunding   = "funding"
	TopicWhitelist = "whitelist"
	TopicMembers   = "members"
	TopicVault     = "vault"
)

var ErrUnknownTopic = errors.New("unknown topic")

// CommentsTopic is the discussion topic of one proposal.
func CommentsTopic(proposalID string) string {
	return TopicProposals + "/" + proposalID + "/comments"
}

// Snapshot is the complete state of a topic at one version. Data is never
// mutated after publication.
type Snapshot struct {
	Topic   string `json:"topic"`
	Version uint64 `json:"version"`
	Data    any    `json:"data"`
}

// Loader reads the current state of a topic from the store.
type Loader func(ctx context.Context, topic string) (any, error)

// Publisher announces that a topic changed so every instance refreshes.
type Publisher interface {
	Publish(ctx context.Context, topic string) error
}

type Bus struct {
	load      Loader
	publisher Publisher

	// loads are serialized so version order matches read order.
	loadMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	subs     map[string]map[uint64]*subscription
	versions map[string]uint64
}

func NewBus(load Loader) *Bus {
	return &Bus{
		load:     load,
		subs:     map[string]map[uint64]*subscription{},
		versions: map[string]uint64{},
	}
}

// UsePublisher routes Notify through p instead of refreshing locally.
func (b *Bus) UsePublisher(p Publisher) {
	b.mu.Lock()
	b.publisher = p
	b.mu.Unlock()
}

// Subscribe registers handler for topic and delivers the current snapshot
// straight away. The returned func removes the subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler func(Snapshot)) (func(), error) {
	sub := newSubscription(handler)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = map[uint64]*subscription{}
	}
	b.subs[topic][id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			sub.close()
		})
	}

	snapshot, err := b.snapshot(ctx, topic)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	sub.offer(snapshot)
	return unsubscribe, nil
}

// Notify reports a confirmed write on topic.
func (b *Bus) Notify(ctx context.Context, topic string) {
	b.mu.Lock()
	publisher := b.publisher
	b.mu.Unlock()

	if publisher != nil {
		err := publisher.Publish(ctx, topic)
		if err == nil {
			return
		}
		log.Printf("events: publish %s failed, refreshing locally: %v", topic, err)
	}
	b.Refresh(ctx, topic)
}

// Refresh reloads topic once and hands the snapshot to every subscriber.
// Topics without subscribers are not loaded.
func (b *Bus) Refresh(ctx context.Context, topic string) {
	if b.Subscribers(topic) == 0 {
		return
	}

	snapshot, err := b.snapshot(ctx, topic)
	if err != nil {
		log.Printf("events: refresh %s failed: %v", topic, err)
		return
	}

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(snapshot)
	}
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) snapshot(ctx context.Context, topic string) (Snapshot, error) {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	data, err := b.load(ctx, topic)
	if err != nil {
		return Snapshot{}, err
	}

	b.mu.Lock()
	b.versions[topic]++
	version := b.versions[topic]
	b.mu.Unlock()
	return Snapshot{Topic: topic, Version: version, Data: data}, nil
}

// subscription owns one delivery goroutine. Only the newest undelivered
// snapshot is kept.
type subscription struct {
	handler func(Snapshot)

	mu      sync.Mutex
	pending *Snapshot
	last    uint64
	wake    chan struct{}
	done    chan struct{}
}

func newSubscription(handler func(Snapshot)) *subscription {
	sub := &subscription{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (s *subscription) offer(snapshot Snapshot) {
	s.mu.Lock()
	if snapshot.Version <= s.last || (s.pending != nil && s.pending.Version >= snapshot.Version) {
		s.mu.Unlock()
		return
	}
	s.pending = &snapshot
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		next := s.pending
		s.pending = nil
		if next != nil {
			s.last = next.Version
		}
		s.mu.Unlock()

		if next == nil {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.handler(*next)
	}
}

func (s *subscription) close() {
	close(s.done)
}
