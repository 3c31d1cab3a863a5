// SPDX-License-Identifier: MIT
// Dev: KryperAI

package server

import (
	"sync"
	"time"

	"github.com/decred/dcrd/lru"

	"xrouter/types"
)

// ReplyRetention is how long answered queries can be fetched again.
const ReplyRetention = 1000 * time.Second

// maxSeenRequests bounds the replay guard.
const maxSeenRequests = 10000

type cachedReply struct {
	reply string
	at    time.Time
}

// replyCache keeps the replies sent by uuid for GetReply lookups.
type replyCache struct {
	mu      sync.Mutex
	replies map[string]cachedReply
	now     func() time.Time
}

func newReplyCache(now func() time.Time) *replyCache {
	return &replyCache{replies: make(map[string]cachedReply), now: now}
}

func (c *replyCache) put(uuid, reply string) {
	c.mu.Lock()
	c.replies[uuid] = cachedReply{reply: reply, at: c.now()}
	c.mu.Unlock()
}

func (c *replyCache) get(uuid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replies[uuid]
	if !ok || c.now().Sub(r.at) > ReplyRetention {
		return "", false
	}
	return r.reply, true
}

// prune drops replies past retention.
func (c *replyCache) prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-ReplyRetention)
	n := 0
	for id, r := range c.replies {
		if r.at.Before(cutoff) {
			delete(c.replies, id)
			n++
		}
	}
	return n
}

func (c *replyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

type requestKey struct {
	peer types.PeerAddress
	cmd  types.Command
	uuid string
}

// replayGuard remembers recent requests so a resent packet is served once.
type replayGuard struct {
	mu   sync.Mutex
	seen lru.Cache
}

func newReplayGuard(limit uint) *replayGuard {
	return &replayGuard{seen: lru.NewCache(limit)}
}

// first reports whether the request was not seen before and records it.
func (g *replayGuard) first(peer types.PeerAddress, pkt *types.Packet) bool {
	k := requestKey{peer: peer, cmd: pkt.Command, uuid: pkt.UUID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(k) {
		return false
	}
	g.seen.Add(k)
	return true
}
