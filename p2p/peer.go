// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"context"
	"errors"

	uberatomic "go.uber.org/atomic"

	"xrouter/types"
)

var ErrPeerClosed = errors.New("p2p: peer disconnecting")

// Peer is a reference-counted handle to a connected node. Holders call
// AddRef before using it outside the manager and Release when done; the
// link is closed once the peer is disconnecting and the last reference is
// gone.
type Peer struct {
	addr types.PeerAddress
	link Link

	refs          uberatomic.Int32
	connected     uberatomic.Bool
	disconnecting uberatomic.Bool
	closed        uberatomic.Bool
}

func newPeer(addr types.PeerAddress, link Link) *Peer {
	p := &Peer{addr: addr, link: link}
	p.connected.Store(true)
	return p
}

// Addr is the node address the peer is known by.
func (p *Peer) Addr() types.PeerAddress { return p.addr }

// AddRef retains p and returns it.
func (p *Peer) AddRef() *Peer {
	p.refs.Inc()
	return p
}

// Release drops one reference.
func (p *Peer) Release() {
	if p.refs.Dec() <= 0 && p.disconnecting.Load() {
		p.closeLink()
	}
}

func (p *Peer) Refs() int32 { return p.refs.Load() }

func (p *Peer) SuccessfullyConnected() bool {
	return p.connected.Load() && !p.disconnecting.Load()
}

func (p *Peer) Disconnecting() bool { return p.disconnecting.Load() }

// disconnect marks p as going away. The link closes now when unreferenced,
// else on the last Release.
func (p *Peer) disconnect() {
	p.disconnecting.Store(true)
	if p.refs.Load() <= 0 {
		p.closeLink()
	}
}

func (p *Peer) closeLink() {
	if p.closed.CompareAndSwap(false, true) {
		p.connected.Store(false)
		_ = p.link.Close()
	}
}

// SendRaw sends payload on channel.
func (p *Peer) SendRaw(ctx context.Context, channel string, payload []byte) error {
	if p.disconnecting.Load() || p.closed.Load() {
		return ErrPeerClosed
	}
	return p.link.Send(ctx, channel, payload)
}

// Send sends a signed packet on the xrouter channel.
func (p *Peer) Send(ctx context.Context, pkt *types.Packet) error {
	return p.SendRaw(ctx, Channel, pkt.Bytes())
}
