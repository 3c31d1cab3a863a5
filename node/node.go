// SPDX-License-Identifier: MIT
// Dev: KryperAI

// Package node is the client side of xrouter. App picks service nodes for
// a call, pays them, sends signed requests, collects the replies and scores
// each node by how its answer compares with the majority. A node running
// as a service node also routes inbound requests to its server.
package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"xrouter/core"
	"xrouter/p2p"
	"xrouter/payment"
	"xrouter/query"
	"xrouter/server"
	"xrouter/types"
)

const (
	// TimerInterval is how often stale peer configs are refreshed.
	TimerInterval = 15 * time.Second

	// queryRetention is how long answered queries stay available to
	// GetReply.
	queryRetention = 1000 * time.Second

	maxConfirmations = 50
)

// Penalties that are not part of the consensus scoring.
const (
	penaltyBadPacket = -10
	dosBadPacket     = 10
	dosBadSignature  = 20
)

var debug = os.Getenv("XROUTER_DEBUG") == "1"

func logf(format string, args ...any) {
	log.Printf("xrouter: "+format, args...)
}

func debugf(format string, args ...any) {
	if debug {
		logf(format, args...)
	}
}

// App is the xrouter client of one process.
type App struct {
	key    *ecdsa.PrivateKey
	pubkey string

	peers     *p2p.Manager
	directory *p2p.Directory
	queries   *query.Manager
	scores    *query.Scores
	configs   *core.Cache
	payments  *payment.Payments
	server    *server.Server
	banScore  int
	interval  time.Duration

	mu        sync.RWMutex
	settings  *core.Settings
	confPath  string
	pluginDir string

	ctx    context.Context
	cancel context.CancelFunc

	runMu   sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	newUUID func() string
	now     func() time.Time
}

type Option func(*App)

// WithPayments lets the client pay fees. Without it only free services
// can be called.
func WithPayments(p *payment.Payments) Option {
	return func(a *App) { a.payments = p }
}

// WithServer makes the node answer requests as a service node.
func WithServer(s *server.Server) Option {
	return func(a *App) { a.server = s }
}

// WithBanScore sets the score at which a peer gets banned.
func WithBanScore(score int) Option {
	return func(a *App) { a.banScore = score }
}

// WithConfigFiles names the xrouter.conf and plugin directory Reload reads.
func WithConfigFiles(path, pluginDir string) Option {
	return func(a *App) { a.confPath, a.pluginDir = path, pluginDir }
}

func WithConfigCache(c *core.Cache) Option {
	return func(a *App) { a.configs = c }
}

func WithTimerInterval(d time.Duration) Option {
	return func(a *App) { a.interval = d }
}

// New creates the client. settings is our own configuration; dir lists the
// service nodes we may call.
func New(key *ecdsa.PrivateKey, settings *core.Settings, peers *p2p.Manager, dir *p2p.Directory, opts ...Option) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		key:       key,
		pubkey:    hex.EncodeToString(types.CompressedPubkey(key)),
		peers:     peers,
		directory: dir,
		queries:   query.NewManager(),
		scores:    query.NewScores(),
		configs:   core.NewCache(core.DefaultConfigTTL),
		banScore:  query.DefaultBanThreshold,
		interval:  TimerInterval,
		settings:  settings,
		ctx:       ctx,
		cancel:    cancel,
		newUUID:   uuid.NewString,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Pubkey is our compressed public key in hex.
func (a *App) Pubkey() string { return a.pubkey }

func (a *App) Settings() *core.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

func (a *App) IsServiceNode() bool { return a.server != nil }

// Scores returns the current reputation of every scored peer.
func (a *App) Scores() map[types.PeerAddress]int { return a.scores.Snapshot() }

// Start begins handling inbound packets and the refresh timer.
func (a *App) Start() error {
	if err := a.peers.Start(a.onMessage); err != nil {
		return err
	}
	if a.server != nil && a.track() {
		go func() {
			defer a.wg.Done()
			a.server.Run(a.ctx)
		}()
	}
	if a.track() {
		go a.timerLoop()
	}
	logf("started, pubkey %s, service node %v", a.pubkey, a.server != nil)
	return nil
}

// Stop cancels every wait, closes the peer connections and waits for the
// running handlers.
func (a *App) Stop() {
	a.runMu.Lock()
	if a.stopped {
		a.runMu.Unlock()
		return
	}
	a.stopped = true
	a.runMu.Unlock()

	a.cancel()
	if err := a.peers.Close(); err != nil {
		logf("closing peers: %v", err)
	}
	a.wg.Wait()
	if a.server != nil {
		a.server.Close()
	}
	logf("stopped")
}

// track registers a goroutine with Stop. It reports false once stopping.
func (a *App) track() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopped {
		return false
	}
	a.wg.Add(1)
	return true
}

// bound derives a context that ends after d or when the app stops.
func (a *App) bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, d)
	stop := context.AfterFunc(a.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// updateScore applies delta to peer and bans it once the score reaches the
// ban threshold.
func (a *App) updateScore(peer types.PeerAddress, delta int) int {
	score := a.scores.Update(peer, delta)
	debugf("score of %s %+d = %d", peer, delta, score)
	if score <= a.banScore {
		logf("banning %s, score %d", peer, score)
		a.peers.Ban(peer)
		score = a.scores.Ban(peer)
	}
	return score
}

func (a *App) timerLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.onTimer()
		}
	}
}

// onTimer forgets old queries and refreshes the configs of connected
// service nodes in the background.
func (a *App) onTimer() {
	if n := a.queries.Prune(a.now().Add(-queryRetention)); n > 0 {
		debugf("pruned %d queries", n)
	}
	for _, addr := range a.peers.Peers() {
		n, ok := a.directory.Get(addr)
		if !ok || n.Pubkey == a.pubkey || a.peers.IsBanned(addr) {
			continue
		}
		if !a.configs.NeedsUpdate(addr) || !a.queries.NeedConfigUpdate(addr, true) {
			continue
		}
		if !a.track() {
			return
		}
		go func(addr types.PeerAddress) {
			defer a.wg.Done()
			if err := a.refreshConfig(addr); err != nil {
				debugf("config refresh of %s: %v", addr, err)
			}
		}(addr)
	}
}

var errNoConfigFile = errors.New("xrouter: no config file to reload")

// Reload re-reads our configuration, recreates the wallet connectors of the
// server and reloads the service node directory.
func (a *App) Reload() error {
	if a.confPath == "" {
		return errNoConfigFile
	}
	s, err := core.LoadSettings(a.confPath, a.pluginDir, a.pubkey)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
	if a.server != nil {
		a.server.UpdateSettings(s)
		a.server.LoadConnectors(s)
	}
	if err := a.directory.Reload(); err != nil {
		logf("directory reload: %v", err)
	}
	logf("reloaded %s", a.confPath)
	return nil
}
