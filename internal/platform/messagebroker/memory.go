package messagebroker

import (
	"context"
	"strings"
	"sync"
)

// InMemoryBroker delivers published messages synchronously to matching
// subscribers. Queue groups get one delivery per group, round-robin.
type InMemoryBroker struct {
	mu     sync.Mutex
	subs   []*memorySub
	next   map[string]int
	closed bool
}

type memorySub struct {
	broker  *InMemoryBroker
	subject string
	queue   string
	handler func(Message)
	active  bool
}

func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{next: make(map[string]int)}
}

func (b *InMemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}
	var targets []*memorySub
	groups := make(map[string][]*memorySub)
	for _, s := range b.subs {
		if !s.active || !SubjectMatches(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for queue, members := range groups {
		i := b.next[queue] % len(members)
		b.next[queue]++
		targets = append(targets, members[i])
	}
	b.mu.Unlock()

	payload := append([]byte(nil), data...)
	for _, s := range targets {
		s.handler(Message{Subject: subject, Data: payload})
	}
	return nil
}

func (b *InMemoryBroker) SubscribeToSubjectWithQueue(_ context.Context, subject, queueGroup string, handler func(msg Message)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memorySub{broker: b, subject: subject, queue: queueGroup, handler: handler, active: true}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *InMemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (s *memorySub) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.active = false
	return nil
}

func (s *memorySub) Drain() error { return s.Unsubscribe() }

// SubjectMatches implements NATS subject matching with * and > wildcards.
func SubjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
