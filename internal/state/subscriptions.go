package state

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Subscriptions tracks connected clients and which tokens each one follows.
type Subscriptions struct {
	mu    sync.RWMutex
	conns map[string]*subscriber
}

type Subscriber struct {
	ConnID      string
	Actor       int64
	ConnectedAt time.Time
}

type subscriber struct {
	Subscriber
	// token id -> handler id returned to the client.
	tokens map[int64]string
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{conns: map[string]*subscriber{}}
}

func (s *Subscriptions) Upsert(connID string, actor int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if c, ok := s.conns[connID]; ok {
		c.Actor = actor
		return
	}
	s.conns[connID] = &subscriber{
		Subscriber: Subscriber{ConnID: connID, Actor: actor, ConnectedAt: now},
		tokens:     map[int64]string{},
	}
}

// Remove forgets a connection and returns the tokens it was subscribed to.
func (s *Subscriptions) Remove(connID string) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return nil, false
	}
	delete(s.conns, connID)
	return slices.Sorted(maps.Keys(c.tokens)), true
}

func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Subscriptions) Get(connID string) (Subscriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	if !ok {
		return Subscriber{}, false
	}
	return c.Subscriber, true
}

// Subscribe records that connID follows token. A repeat subscription keeps the
// first handler id, which is returned.
func (s *Subscriptions) Subscribe(connID string, token int64, handlerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return "", false
	}
	if prev, ok := c.tokens[token]; ok {
		return prev, true
	}
	c.tokens[token] = handlerID
	return handlerID, true
}

func (s *Subscriptions) Unsubscribe(connID string, token int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return false
	}
	if _, ok := c.tokens[token]; !ok {
		return false
	}
	delete(c.tokens, token)
	return true
}

// Subscribers returns the connections following token, sorted.
func (s *Subscriptions) Subscribers(token int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.conns {
		if _, ok := c.tokens[token]; ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// DropToken removes token from every subscriber and returns who was following it.
func (s *Subscriptions) DropToken(token int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, c := range s.conns {
		if _, ok := c.tokens[token]; ok {
			delete(c.tokens, token)
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Tokens returns the tokens connID follows.
func (s *Subscriptions) Tokens(connID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(c.tokens))
}

// All returns every connection id, sorted.
func (s *Subscriptions) All() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.conns))
}
