// Package kv implements the external key-value store contract twice: an
// etcd-backed client for production and an in-memory store for tests and
// zero-config runs. Both also carry the pub/sub bus used for
// token-refreshed notifications.
package kv

import (
	"context"
	"sync"
	"time"

	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
)

type memoryEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// Memory is the in-memory KV + Bus. Expiry is checked lazily on read, so
// no janitor goroutine is needed.
type Memory struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	subs   map[string][]*memorySub
	closed bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memoryEntry),
		subs: make(map[string][]*memorySub),
		now:  time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if !e.expireAt.IsZero() && m.now().After(e.expireAt) {
		delete(m.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, subs := range m.subs {
		for _, s := range subs {
			s.close()
		}
	}
	m.subs = make(map[string][]*memorySub)
	return nil
}

// ── Bus ──────────────────────────────────────────────────────

type memorySub struct {
	ch     chan contracts.BusMessage
	parent *Memory
	chName string

	// sendMu orders sends against close so a racing Publish can never
	// write to a closed channel.
	sendMu sync.Mutex
	closed bool
}

func (s *memorySub) C() <-chan contracts.BusMessage { return s.ch }

func (s *memorySub) Close() error {
	s.parent.mu.Lock()
	subs := s.parent.subs[s.chName]
	for i, cand := range subs {
		if cand == s {
			s.parent.subs[s.chName] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.parent.mu.Unlock()
	s.close()
	return nil
}

func (s *memorySub) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memorySub) send(msg contracts.BusMessage) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		// Slow subscriber; drop rather than block the publisher.
	}
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]*memorySub(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, s := range subs {
		s.send(contracts.BusMessage{Channel: channel, Payload: payload})
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (contracts.Subscription, error) {
	s := &memorySub{ch: make(chan contracts.BusMessage, 16), parent: m, chName: channel}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], s)
	m.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.Close()
		}()
	}
	return s, nil
}
