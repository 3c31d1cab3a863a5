// SPDX-License-Identifier: MIT
// Dev: KryperAI

package node

import (
	"context"
	"time"

	"xrouter/core"
	"xrouter/p2p"
	"xrouter/query"
	"xrouter/types"
)

// sendTimeout bounds a single outbound packet.
const sendTimeout = 10 * time.Second

// onMessage is the p2p handler. Each packet is handled on its own
// goroutine with the peer retained until it finishes.
func (a *App) onMessage(p *p2p.Peer, channel string, payload []byte) {
	if channel != p2p.Channel {
		return
	}
	if !a.track() {
		return
	}
	raw := append([]byte(nil), payload...)
	p.AddRef()
	go func() {
		defer a.wg.Done()
		defer p.Release()
		a.handleMessage(p, raw)
	}()
}

func (a *App) handleMessage(p *p2p.Peer, raw []byte) {
	addr := p.Addr()
	pkt, err := types.DecodePacket(raw)
	if err != nil {
		logf("bad packet from %s: %v", addr, err)
		a.updateScore(addr, penaltyBadPacket)
		a.peers.Misbehaving(addr, dosBadPacket, "undecodable packet")
		if a.server != nil {
			a.sendProtocolError(p)
		}
		return
	}
	debugf("received %s %s from %s", pkt.Command, pkt.UUID, addr)

	switch pkt.Command {
	case types.Invalid:
		body, _ := pkt.Reader().ReadString()
		logf("%s reports a protocol error: %s", addr, body)
	case types.Reply:
		a.processReply(addr, pkt)
	case types.ConfigReply:
		a.processConfigReply(addr, pkt)
	default:
		if a.server == nil {
			debugf("ignoring %s from %s, not a service node", pkt.Command, addr)
			return
		}
		a.server.Handle(a.ctx, p, pkt)
	}
}

func (a *App) sendProtocolError(p *p2p.Peer) {
	out := types.NewPacket(types.Invalid, "").
		AppendString(types.ErrorReply(types.NewError(types.BadRequest, "protocol_error")))
	if err := out.Sign(a.key); err != nil {
		return
	}
	ctx, cancel := a.bound(context.Background(), sendTimeout)
	defer cancel()
	_ = p.Send(ctx, out)
}

// verifyFrom checks that pkt was signed by the directory key of addr.
func (a *App) verifyFrom(addr types.PeerAddress, pkt *types.Packet) (types.ServiceNode, bool) {
	n, ok := a.directory.Get(addr)
	if !ok {
		return n, false
	}
	pub, err := types.PubkeyFromHex(n.Pubkey)
	if err != nil || !pkt.Verify(pub) {
		return n, false
	}
	return n, true
}

// acceptReply reports whether a reply from addr for uuid is awaited.
func (a *App) acceptReply(addr types.PeerAddress, uuid string) bool {
	if !a.queries.HasPeerQuery(uuid, addr) {
		debugf("unexpected reply %s from %s", uuid, addr)
		return false
	}
	return !a.queries.HasReply(uuid, addr)
}

func (a *App) processReply(addr types.PeerAddress, pkt *types.Packet) {
	if !a.acceptReply(addr, pkt.UUID) {
		return
	}
	if _, ok := a.verifyFrom(addr, pkt); !ok {
		logf("bad signature on reply %s from %s", pkt.UUID, addr)
		a.peers.Misbehaving(addr, dosBadSignature, "reply signature error")
		return
	}
	reply, err := pkt.Reader().ReadString()
	if err != nil {
		logf("malformed reply %s from %s: %v", pkt.UUID, addr, err)
		a.peers.Misbehaving(addr, dosBadPacket, "malformed reply")
		return
	}
	if a.queries.AddReply(pkt.UUID, addr, reply) {
		logf("received reply to query %s from %s", pkt.UUID, addr)
	}
}

func (a *App) processConfigReply(addr types.PeerAddress, pkt *types.Packet) {
	if !a.acceptReply(addr, pkt.UUID) {
		return
	}
	n, ok := a.verifyFrom(addr, pkt)
	if !ok {
		logf("bad signature on config reply from %s", addr)
		a.peers.Misbehaving(addr, dosBadSignature, "config reply signature error")
		return
	}

	body, err := pkt.Reader().ReadString()
	var settings *core.Settings
	var bad []string
	if err == nil {
		var payload types.ConfigPayload
		if err = types.Unmarshal([]byte(body), &payload); err == nil {
			settings, bad, err = core.ParseConfigPayload(payload, n.Pubkey)
		}
	}
	if err != nil {
		logf("bad config from %s: %v", addr, err)
		a.updateScore(addr, query.PenaltyBadConfig)
		msg := types.NewError(types.BadRequest, "Failed to parse config from XRouter node %s", addr)
		a.queries.AddReply(pkt.UUID, addr, types.ErrorReply(msg))
		return
	}
	for _, name := range bad {
		logf("skipping bad plugin %s in config of %s", name, addr)
		a.updateScore(addr, query.PenaltyBadPlugin)
	}
	a.configs.Update(addr, settings)
	a.queries.AddReply(pkt.UUID, addr, body)
	logf("received config from %s", addr)
}
