// SPDX-License-Identifier: MIT
// Dev: KryperAI

package node

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"xrouter/core"
	"xrouter/p2p"
	"xrouter/query"
	"xrouter/types"
)

// connectTimeout bounds one connection attempt.
const connectTimeout = 10 * time.Second

var errNoConfig = errors.New("xrouter: no config reply")

// candidate is a service node that passed selection. Its peer is retained
// until release.
type candidate struct {
	node   types.ServiceNode
	peer   *p2p.Peer
	config *core.Settings
	cached bool
	score  int
	fee    float64
}

func (c *candidate) addr() types.PeerAddress { return c.node.Address }

func releaseAll(cs []*candidate) {
	for _, c := range cs {
		if c.peer != nil {
			c.peer.Release()
			c.peer = nil
		}
	}
}

// bestFirst orders nodes with a cached config first, then by descending
// score, then by ascending fee.
func bestFirst(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.cached != b.cached {
			return a.cached
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.fee < b.fee
	})
}

// fetchConfig asks p for its config and waits up to the config sync
// timeout for the reply.
func (a *App) fetchConfig(ctx context.Context, p *p2p.Peer) (*core.Settings, error) {
	addr := p.Addr()
	id := a.newUUID()
	pkt := types.NewPacket(types.GetConfig, id)
	if err := pkt.Sign(a.key); err != nil {
		return nil, err
	}

	a.queries.AddQuery(id, addr)
	defer a.queries.Forget(id)
	a.queries.UpdateSentRequest(addr, types.GetConfig.String())

	wait := time.Duration(a.Settings().ConfigSyncTimeout()) * time.Second
	wctx, cancel := a.bound(ctx, wait)
	defer cancel()
	if err := p.Send(wctx, pkt); err != nil {
		return nil, err
	}
	debugf("sent config request %s to %s", id, addr)
	if !a.queries.WaitReply(wctx, id, addr) {
		return nil, errNoConfig
	}
	s, ok := a.configs.Get(addr)
	if !ok {
		return nil, errNoConfig
	}
	return s, nil
}

// refreshConfig connects to addr and fetches its config.
func (a *App) refreshConfig(addr types.PeerAddress) error {
	ctx, cancel := a.bound(context.Background(), connectTimeout)
	defer cancel()
	p, err := a.peers.OpenConnection(ctx, addr)
	if err != nil {
		return err
	}
	defer p.Release()
	_, err = a.fetchConfig(a.ctx, p)
	return err
}

// selection is what a call asks of a service node.
type selection struct {
	cmd     types.Command
	service string
	// params is the parameter count, negative to skip the fetch limit.
	params int
	maxFee float64
}

func (s selection) fq() string { return types.FQService(s.cmd, s.service) }

// admits reports why cfg cannot serve the selection, or "" when it can.
func (a *App) admits(addr types.PeerAddress, cfg *core.Settings, sel selection) string {
	if cfg == nil {
		return "no config"
	}
	if !cfg.IsAvailableCommand(sel.cmd, sel.service) {
		return "service not offered"
	}
	if fee := cfg.CommandFee(sel.cmd, sel.service, 0); fee > sel.maxFee {
		return "fee above maxfee"
	}
	if sel.params >= 0 {
		if limit := cfg.CommandFetchLimit(sel.cmd, sel.service, core.DefaultFetchLimit); limit >= 0 && limit < sel.params {
			return "fetch limit too small"
		}
	}
	limit := cfg.ClientRequestLimit(sel.cmd, sel.service, -1)
	if a.queries.RateLimitExceeded(addr, sel.fq(), limit) {
		return "rate limit"
	}
	return ""
}

// candidates lists the directory nodes advertising the selection, best
// first, without our own node and banned peers.
func (a *App) candidates(sel selection) []*candidate {
	var out []*candidate
	for _, n := range a.directory.ServiceNodes() {
		if n.Pubkey == a.pubkey || !n.Advertises(sel.cmd, sel.service) || a.peers.IsBanned(n.Address) {
			continue
		}
		c := &candidate{node: n, score: a.scores.Get(n.Address)}
		if cfg, ok := a.configs.Get(n.Address); ok {
			c.config, c.cached = cfg, true
			c.fee = cfg.CommandFee(sel.cmd, sel.service, 0)
		}
		out = append(out, c)
	}
	bestFirst(out)
	return out
}

// openConnections connects to service nodes able to serve sel until want
// of them are ready or the candidates run out. Nodes without a cached
// config are asked for one first. The returned nodes are retained and
// ordered best first.
func (a *App) openConnections(ctx context.Context, sel selection, want int) []*candidate {
	var (
		mu    sync.Mutex
		ready []*candidate
		wg    sync.WaitGroup
	)
	enough := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ready) >= want
	}
	sem := make(chan struct{}, 2*runtime.NumCPU())

	for _, c := range a.candidates(sel) {
		if c.cached {
			if why := a.admits(c.addr(), c.config, sel); why != "" {
				debugf("skipping %s for %s: %s", c.addr(), sel.fq(), why)
				continue
			}
		} else if !a.queries.NeedConfigUpdate(c.addr(), true) {
			continue
		}
		if enough() {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			if a.prepare(ctx, c, sel) {
				mu.Lock()
				ready = append(ready, c)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, c := range ready {
		c.score = a.scores.Get(c.addr())
		c.fee = c.config.CommandFee(sel.cmd, sel.service, 0)
	}
	bestFirst(ready)
	return ready
}

// prepare connects to c and makes sure its config admits sel. On success
// c holds a retained peer.
func (a *App) prepare(ctx context.Context, c *candidate, sel selection) bool {
	addr := c.addr()
	cctx, cancel := a.bound(ctx, connectTimeout)
	p, err := a.peers.OpenConnection(cctx, addr)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if errors.Is(err, p2p.ErrBanned) {
			return false
		}
		logf("failed to connect to %s: %v", addr, err)
		if timedOut {
			a.updateScore(addr, query.PenaltyConnTimeout)
		} else if a.ctx.Err() == nil {
			a.updateScore(addr, query.PenaltyConnFailed)
		}
		return false
	}

	if !c.cached {
		cfg, err := a.fetchConfig(ctx, p)
		if err != nil {
			logf("no config from %s: %v", addr, err)
			p.Release()
			return false
		}
		c.config = cfg
		if why := a.admits(addr, cfg, sel); why != "" {
			debugf("skipping %s for %s: %s", addr, sel.fq(), why)
			p.Release()
			return false
		}
	}
	c.peer = p
	return true
}
