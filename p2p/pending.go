// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"context"
	"sync"

	"xrouter/types"
)

// PendingConnMgr allows one connection attempt per address at a time.
// Other callers wait for the owner to finish instead of dialing again.
type PendingConnMgr struct {
	mu      sync.Mutex
	pending map[types.PeerAddress]chan struct{}
}

func NewPendingConnMgr() *PendingConnMgr {
	return &PendingConnMgr{pending: make(map[types.PeerAddress]chan struct{})}
}

// Add registers an attempt for addr. It returns false when another caller
// already owns one.
func (m *PendingConnMgr) Add(addr types.PeerAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.pending[addr]; busy {
		return false
	}
	m.pending[addr] = make(chan struct{})
	return true
}

// Has reports whether an attempt for addr is outstanding.
func (m *PendingConnMgr) Has(addr types.PeerAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[addr]
	return ok
}

// Wait blocks until the attempt for addr finishes or ctx ends. It reports
// whether the attempt finished.
func (m *PendingConnMgr) Wait(ctx context.Context, addr types.PeerAddress) bool {
	m.mu.Lock()
	ch, ok := m.pending[addr]
	m.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Notify ends the attempt for addr and wakes its waiters. Safe to call more
// than once.
func (m *PendingConnMgr) Notify(addr types.PeerAddress) {
	m.mu.Lock()
	ch, ok := m.pending[addr]
	delete(m.pending, addr)
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}
