// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"xrouter/types"
)

// Misbehavior scoring.
const (
	BanScore           = 100
	DefaultBanDuration = 24 * time.Hour
)

var ErrBanned = errors.New("p2p: peer is banned")

// Handler receives frames from connected peers. The peer is retained for
// the duration of the call.
type Handler func(p *Peer, channel string, payload []byte)

// Manager owns the connected peers, the ban list and misbehavior points.
type Manager struct {
	transport Transport
	pending   *PendingConnMgr

	mu          sync.Mutex
	handler     Handler
	peers       map[types.PeerAddress]*Peer
	byLink      map[Link]*Peer
	bans        map[types.PeerAddress]time.Time
	dos         map[types.PeerAddress]int
	banDuration time.Duration
	now         func() time.Time
}

func NewManager(t Transport) *Manager {
	return &Manager{
		transport:   t,
		pending:     NewPendingConnMgr(),
		peers:       make(map[types.PeerAddress]*Peer),
		byLink:      make(map[Link]*Peer),
		bans:        make(map[types.PeerAddress]time.Time),
		dos:         make(map[types.PeerAddress]int),
		banDuration: DefaultBanDuration,
		now:         time.Now,
	}
}

// Start begins delivering inbound frames to h.
func (m *Manager) Start(h Handler) error {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	return m.transport.Start(m.receive)
}

func (m *Manager) receive(link Link, channel string, payload []byte) {
	p := m.peerForLink(link)
	if p == nil {
		return
	}
	p.AddRef()
	defer p.Release()

	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(p, channel, payload)
	}
}

// peerForLink returns the peer owning link, registering inbound links.
func (m *Manager) peerForLink(link Link) *Peer {
	addr := link.RemoteAddr()
	if m.IsBanned(addr) {
		_ = link.Close()
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byLink[link]; ok {
		return p
	}
	p := newPeer(addr, link)
	m.byLink[link] = p
	if _, ok := m.peers[addr]; !ok {
		m.peers[addr] = p
	}
	go m.watch(p)
	return p
}

// watch forgets p once its link goes down.
func (m *Manager) watch(p *Peer) {
	<-p.link.Done()
	m.mu.Lock()
	if m.peers[p.addr] == p {
		delete(m.peers, p.addr)
	}
	delete(m.byLink, p.link)
	m.mu.Unlock()
	p.disconnect()
}

// connected returns a retained usable peer for addr, if any.
func (m *Manager) connected(addr types.PeerAddress) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[addr]; ok && p.SuccessfullyConnected() {
		return p.AddRef()
	}
	return nil
}

// OpenConnection returns a retained peer for addr, dialing when needed.
// Concurrent callers for one address share a single dial. The caller must
// Release the peer.
func (m *Manager) OpenConnection(ctx context.Context, addr types.PeerAddress) (*Peer, error) {
	if m.IsBanned(addr) {
		return nil, ErrBanned
	}
	if p := m.connected(addr); p != nil {
		return p, nil
	}
	for !m.pending.Add(addr) {
		if !m.pending.Wait(ctx, addr) {
			return nil, ctx.Err()
		}
		if p := m.connected(addr); p != nil {
			return p, nil
		}
	}
	defer m.pending.Notify(addr)

	if p := m.connected(addr); p != nil {
		return p, nil
	}
	link, err := m.transport.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: connect %s: %w", addr, err)
	}
	p := newPeer(addr, link)
	m.mu.Lock()
	if old, ok := m.peers[addr]; ok && old != p {
		delete(m.byLink, old.link)
		go old.disconnect()
	}
	m.peers[addr] = p
	m.byLink[link] = p
	m.mu.Unlock()
	go m.watch(p)
	log.Printf("p2p: connected to %s", addr)
	return p.AddRef(), nil
}

// Get returns a retained peer for addr without dialing.
func (m *Manager) Get(addr types.PeerAddress) (*Peer, bool) {
	p := m.connected(addr)
	return p, p != nil
}

func (m *Manager) IsConnected(addr types.PeerAddress) bool {
	p := m.connected(addr)
	if p == nil {
		return false
	}
	p.Release()
	return true
}

// Peers lists connected addresses, sorted.
func (m *Manager) Peers() []types.PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PeerAddress, 0, len(m.peers))
	for a := range m.peers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Disconnect drops addr. Its link closes after the last reference goes.
func (m *Manager) Disconnect(addr types.PeerAddress) {
	m.mu.Lock()
	p, ok := m.peers[addr]
	if ok {
		delete(m.peers, addr)
		delete(m.byLink, p.link)
	}
	m.mu.Unlock()
	if ok {
		p.disconnect()
	}
}

// Ban bans addr for the ban duration and disconnects it.
func (m *Manager) Ban(addr types.PeerAddress) {
	m.mu.Lock()
	m.bans[addr] = m.now().Add(m.banDuration)
	delete(m.dos, addr)
	m.mu.Unlock()
	log.Printf("p2p: banned %s", addr)
	m.Disconnect(addr)
}

func (m *Manager) IsBanned(addr types.PeerAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.bans[addr]
	if !ok {
		return false
	}
	if m.now().After(until) {
		delete(m.bans, addr)
		return false
	}
	return true
}

func (m *Manager) Unban(addr types.PeerAddress) {
	m.mu.Lock()
	delete(m.bans, addr)
	m.mu.Unlock()
}

// Misbehaving adds DoS points to addr and bans it at BanScore. It reports
// whether the peer got banned.
func (m *Manager) Misbehaving(addr types.PeerAddress, points int, reason string) bool {
	if points <= 0 {
		return false
	}
	m.mu.Lock()
	m.dos[addr] += points
	total := m.dos[addr]
	m.mu.Unlock()
	log.Printf("p2p: misbehaving %s (+%d = %d): %s", addr, points, total, reason)
	if total >= BanScore {
		m.Ban(addr)
		return true
	}
	return false
}

// MisbehaviorScore returns the accumulated DoS points of addr.
func (m *Manager) MisbehaviorScore(addr types.PeerAddress) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dos[addr]
}

// Close disconnects every peer and closes the transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.byLink))
	for _, p := range m.byLink {
		peers = append(peers, p)
	}
	m.peers = make(map[types.PeerAddress]*Peer)
	m.byLink = make(map[Link]*Peer)
	m.mu.Unlock()
	for _, p := range peers {
		p.disconnect()
	}
	return m.transport.Close()
}
