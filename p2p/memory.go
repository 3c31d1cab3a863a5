// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"context"
	"errors"
	"sync"

	"xrouter/types"
)

var ErrConnRefused = errors.New("p2p: connection refused")

// MemNetwork connects in-process transports. Frames still go through the
// wire codec.
type MemNetwork struct {
	mu    sync.Mutex
	nodes map[types.PeerAddress]*MemTransport
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: make(map[types.PeerAddress]*MemTransport)}
}

// Transport returns the transport bound to addr, creating it on first use.
func (n *MemNetwork) Transport(addr types.PeerAddress) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[addr]; ok {
		return t
	}
	t := &MemTransport{net: n, addr: addr}
	n.nodes[addr] = t
	return t
}

func (n *MemNetwork) lookup(addr types.PeerAddress) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

type MemTransport struct {
	net  *MemNetwork
	addr types.PeerAddress

	mu     sync.Mutex
	recv   Receiver
	links  []*memLink
	closed bool
	wg     sync.WaitGroup
}

func (t *MemTransport) Start(recv Receiver) error {
	t.mu.Lock()
	t.recv = recv
	t.closed = false
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) Dial(ctx context.Context, addr types.PeerAddress) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := t.net.lookup(addr)
	if target == nil || target == t {
		return nil, ErrConnRefused
	}
	target.mu.Lock()
	up := target.recv != nil && !target.closed
	target.mu.Unlock()
	if !up {
		return nil, ErrConnRefused
	}

	done := make(chan struct{})
	once := new(sync.Once)
	local := &memLink{owner: t, remote: addr, done: done, once: once}
	remote := &memLink{owner: target, remote: t.addr, done: done, once: once}
	local.peer, remote.peer = remote, local

	t.mu.Lock()
	t.links = append(t.links, local)
	t.mu.Unlock()
	target.mu.Lock()
	target.links = append(target.links, remote)
	target.mu.Unlock()
	return local, nil
}

func (t *MemTransport) deliver(link *memLink, frame []byte) {
	t.mu.Lock()
	recv, closed := t.recv, t.closed
	if !closed {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	if closed || recv == nil {
		return
	}
	defer t.wg.Done()
	channel, payload, err := DecodeFrame(frame)
	if err != nil {
		return
	}
	recv(link, channel, payload)
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	links := t.links
	t.links = nil
	t.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	t.wg.Wait()
	return nil
}

type memLink struct {
	owner  *MemTransport
	remote types.PeerAddress
	peer   *memLink
	done   chan struct{}
	once   *sync.Once
}

func (l *memLink) RemoteAddr() types.PeerAddress { return l.remote }

func (l *memLink) Send(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-l.done:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	frame, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	go l.peer.owner.deliver(l.peer, frame)
	return nil
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *memLink) Done() <-chan struct{} { return l.done }
