// SPDX-License-Identifier: MIT
// Dev: KryperAI

package query

import (
	"context"
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"xrouter/types"
)

// Manager tracks in-flight queries by uuid. Each (uuid, peer) pair gets a
// wait slot before the request is sent; the first reply for a slot wins.
// Replies outlive their wait slots so they can be fetched after the call.
type Manager struct {
	mu       sync.Mutex
	queries  map[string]*entry
	lastSent map[types.PeerAddress]map[string]time.Time
	now      func() time.Time
}

type slot struct {
	sentAt time.Time
	done   chan struct{}
	closed bool
}

func (s *slot) release() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

type entry struct {
	created time.Time
	slots   map[types.PeerAddress]*slot
	replies map[types.PeerAddress]string
	changed chan struct{}
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func NewManager() *Manager {
	return &Manager{
		queries:  make(map[string]*entry),
		lastSent: make(map[types.PeerAddress]map[string]time.Time),
		now:      time.Now,
	}
}

// AddQuery registers a wait slot for peer under uuid. It must be called
// before the request is sent.
func (m *Manager) AddQuery(uuid string, peer types.PeerAddress) {
	if uuid == "" || peer == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queries[uuid]
	if !ok {
		e = &entry{
			created: m.now(),
			slots:   make(map[types.PeerAddress]*slot),
			replies: make(map[types.PeerAddress]string),
			changed: make(chan struct{}),
		}
		m.queries[uuid] = e
	}
	if _, exists := e.slots[peer]; !exists {
		e.slots[peer] = &slot{sentAt: m.now(), done: make(chan struct{})}
	}
}

// AddReply stores reply for (uuid, peer). It is ignored unless a wait slot
// exists and no reply was stored yet. It reports whether the reply was kept.
func (m *Manager) AddReply(uuid string, peer types.PeerAddress, reply string) bool {
	if uuid == "" || peer == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queries[uuid]
	if !ok {
		return false
	}
	s, ok := e.slots[peer]
	if !ok {
		return false
	}
	if _, dup := e.replies[peer]; dup {
		return false
	}
	e.replies[peer] = reply
	s.release()
	e.notify()
	return true
}

// HasQuery reports whether uuid still has wait slots.
func (m *Manager) HasQuery(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	return ok && len(e.slots) > 0
}

// HasPeerQuery reports whether a wait slot exists for (uuid, peer).
func (m *Manager) HasPeerQuery(uuid string, peer types.PeerAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	if !ok {
		return false
	}
	_, ok = e.slots[peer]
	return ok
}

// HasReply reports whether a reply from peer was stored for uuid.
func (m *Manager) HasReply(uuid string, peer types.PeerAddress) bool {
	_, ok := m.Reply(uuid, peer)
	return ok
}

// Reply returns the stored reply of peer for uuid.
func (m *Manager) Reply(uuid string, peer types.PeerAddress) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	if !ok {
		return "", false
	}
	r, ok := e.replies[peer]
	return r, ok
}

// Done returns a channel closed once peer replied to uuid or its slot was
// purged. It returns nil when no slot exists.
func (m *Manager) Done(uuid string, peer types.PeerAddress) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	if !ok {
		return nil
	}
	s, ok := e.slots[peer]
	if !ok {
		return nil
	}
	return s.done
}

// WaitReply blocks until peer replied to uuid, its slot was purged or ctx
// ends. It reports whether a reply is available.
func (m *Manager) WaitReply(ctx context.Context, uuid string, peer types.PeerAddress) bool {
	done := m.Done(uuid, peer)
	if done == nil {
		return m.HasReply(uuid, peer)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return m.HasReply(uuid, peer)
}

// WaitReplies blocks until at least need replies arrived for uuid, every
// slot was purged or ctx ends. It returns the number of replies.
func (m *Manager) WaitReplies(ctx context.Context, uuid string, need int) int {
	for {
		m.mu.Lock()
		e, ok := m.queries[uuid]
		if !ok {
			m.mu.Unlock()
			return 0
		}
		got := len(e.replies)
		open := len(e.slots)
		changed := e.changed
		m.mu.Unlock()

		if got >= need || open == 0 {
			return got
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return got
		}
	}
}

// Peers lists the peers that still hold wait slots for uuid.
func (m *Manager) Peers(uuid string) []types.PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	if !ok {
		return nil
	}
	out := make([]types.PeerAddress, 0, len(e.slots))
	for p := range e.slots {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllReplies returns a copy of the replies stored for uuid.
func (m *Manager) AllReplies(uuid string) map[types.PeerAddress]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.PeerAddress]string)
	if e, ok := m.queries[uuid]; ok {
		for p, r := range e.replies {
			out[p] = r
		}
	}
	return out
}

// Purge releases every wait slot of uuid. Replies are kept.
func (m *Manager) Purge(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	if !ok || len(e.slots) == 0 {
		return
	}
	for p, s := range e.slots {
		s.release()
		delete(e.slots, p)
	}
	e.notify()
}

// PurgePeer releases the wait slot of peer under uuid.
func (m *Manager) PurgePeer(uuid string, peer types.PeerAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[uuid]
	if !ok {
		return
	}
	s, ok := e.slots[peer]
	if !ok {
		return
	}
	s.release()
	delete(e.slots, peer)
	e.notify()
}

// Forget drops uuid with its replies.
func (m *Manager) Forget(uuid string) {
	m.Purge(uuid)
	m.mu.Lock()
	delete(m.queries, uuid)
	m.mu.Unlock()
}

// Prune forgets queries created before cutoff that have no wait slots left.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.queries {
		if len(e.slots) == 0 && e.created.Before(cutoff) {
			delete(m.queries, id)
			n++
		}
	}
	return n
}

// Consensus is the result of grouping the replies of one query.
type Consensus struct {
	// Count is the size of the winning group.
	Count   int
	Reply   string
	Replies map[types.PeerAddress]string
	Agree   []types.PeerAddress
	// Diff holds peers in groups strictly smaller than the winning one.
	Diff []types.PeerAddress
}

type group struct {
	text  string
	key   [32]byte
	peers []types.PeerAddress
	err   bool
}

// MostCommonReply groups the replies of uuid by their normalized JSON form
// and picks the largest group. On a tie an error reply never wins over a
// non-error reply.
func (m *Manager) MostCommonReply(uuid string) Consensus {
	replies := m.AllReplies(uuid)
	res := Consensus{Replies: replies}
	if len(replies) == 0 {
		return res
	}

	peers := make([]types.PeerAddress, 0, len(replies))
	for p := range replies {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	byKey := make(map[[32]byte]*group)
	var groups []*group
	for _, p := range peers {
		raw := replies[p]
		key := sha256.Sum256([]byte(types.Normalize(raw)))
		g, ok := byKey[key]
		if !ok {
			g = &group{text: raw, key: key, err: types.HasError(raw)}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.peers = append(g.peers, p)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].peers) != len(groups[j].peers) {
			return len(groups[i].peers) > len(groups[j].peers)
		}
		return !groups[i].err && groups[j].err
	})

	top := groups[0]
	for _, g := range groups[1:] {
		if len(g.peers) < len(top.peers) {
			res.Diff = append(res.Diff, g.peers...)
		}
	}
	res.Count = len(top.peers)
	res.Reply = top.text
	res.Agree = append([]types.PeerAddress(nil), top.peers...)
	return res
}

// UpdateSentRequest records that a request for key was sent to or received
// from peer now.
func (m *Manager) UpdateSentRequest(peer types.PeerAddress, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.lastSent[peer]
	if !ok {
		byKey = make(map[string]time.Time)
		m.lastSent[peer] = byKey
	}
	byKey[key] = m.now()
}

// LastRequest returns the time of the last request for key, or the zero
// time.
func (m *Manager) LastRequest(peer types.PeerAddress, key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSent[peer][key]
	return t, ok
}

// RateLimitExceeded reports whether the last request for key was less than
// limitMs milliseconds ago. A limit of zero or less disables the check.
func (m *Manager) RateLimitExceeded(peer types.PeerAddress, key string, limitMs int) bool {
	if limitMs <= 0 {
		return false
	}
	last, ok := m.LastRequest(peer, key)
	if !ok {
		return false
	}
	return m.now().Sub(last) < time.Duration(limitMs)*time.Millisecond
}

// Config refresh intervals.
const (
	ClientConfigInterval = 600000
	ServerConfigInterval = 10000
)

// NeedConfigUpdate reports whether a GetConfig exchange with peer is due.
// Servers use a shorter interval to throttle peers asking too often.
func (m *Manager) NeedConfigUpdate(peer types.PeerAddress, server bool) bool {
	limit := ClientConfigInterval
	if server {
		limit = ServerConfigInterval
	}
	return !m.RateLimitExceeded(peer, types.GetConfig.String(), limit)
}
