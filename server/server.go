// SPDX-License-Identifier: MIT
// Dev: KryperAI

// Package server answers xrouter requests on a service node: wallet
// commands through per-currency connectors and plugin calls through the
// plugin runner, with fee enforcement and misbehavior scoring.
package server

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	uberatomic "go.uber.org/atomic"

	"xrouter/connector"
	"xrouter/core"
	"xrouter/payment"
	"xrouter/plugin"
	"xrouter/query"
	"xrouter/types"
)

// DoS points raised against misbehaving clients.
const (
	dosBadSignature   = 20
	dosConfigSize     = 20
	dosConfigTooOften = 10
	dosRateLimit      = 20
	dosBadFee         = 25
	dosSettleFailed   = 50
	dosBadRequest     = 1
)

// maxConfigRequest is the largest GetConfig body accepted.
const maxConfigRequest = 200

// Maintenance schedule.
const (
	maintenanceInterval = time.Minute
	channelCloseWindow  = 10 * time.Minute
	spentFeeRetention   = 7 * 24 * time.Hour
)

var debug = os.Getenv("XROUTER_DEBUG") == "1"

func logf(format string, args ...any) {
	log.Printf("server: "+format, args...)
}

func debugf(format string, args ...any) {
	if debug {
		logf(format, args...)
	}
}

// Penalizer records misbehavior of a peer. p2p.Manager implements it.
type Penalizer interface {
	Misbehaving(addr types.PeerAddress, points int, reason string) bool
}

// Sender is the connection a request arrived on.
type Sender interface {
	Addr() types.PeerAddress
	Send(ctx context.Context, pkt *types.Packet) error
}

// Server is the request dispatcher of a service node.
type Server struct {
	key      *ecdsa.PrivateKey
	peers    Penalizer
	requests *query.Manager
	runner   *plugin.Runner
	payments *payment.Payments

	mu       sync.RWMutex
	settings *core.Settings

	connMu     sync.RWMutex
	connectors map[string]connector.Connector
	connLocks  map[string]*sync.Mutex

	replies *replyCache
	guard   *replayGuard
	now     func() time.Time

	handled  uberatomic.Uint64
	failed   uberatomic.Uint64
	replayed uberatomic.Uint64
}

type Option func(*Server)

// WithPayments enables fee collection. Without it every paid command is
// refused.
func WithPayments(p *payment.Payments) Option {
	return func(s *Server) { s.payments = p }
}

func WithRunner(r *plugin.Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithRequests shares the request-time bookkeeping used for rate limits.
func WithRequests(q *query.Manager) Option {
	return func(s *Server) { s.requests = q }
}

func WithConnector(c connector.Connector) Option {
	return func(s *Server) { s.AddConnector(c) }
}

// New creates a dispatcher signing its replies with key.
func New(key *ecdsa.PrivateKey, settings *core.Settings, peers Penalizer, opts ...Option) *Server {
	s := &Server{
		key:        key,
		peers:      peers,
		settings:   settings,
		requests:   query.NewManager(),
		runner:     plugin.NewRunner(),
		connectors: make(map[string]connector.Connector),
		connLocks:  make(map[string]*sync.Mutex),
		guard:      newReplayGuard(maxSeenRequests),
		now:        time.Now,
	}
	s.replies = newReplyCache(func() time.Time { return s.now() })
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Settings() *core.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings swaps in a reloaded configuration.
func (s *Server) UpdateSettings(settings *core.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Stats are counters of the dispatcher.
type Stats struct {
	Handled       uint64 `json:"handled"`
	Failed        uint64 `json:"failed"`
	Replayed      uint64 `json:"replayed"`
	CachedReplies int    `json:"cachedreplies"`
	Connectors    int    `json:"connectors"`
}

func (s *Server) Stats() Stats {
	s.connMu.RLock()
	conns := len(s.connectors)
	s.connMu.RUnlock()
	return Stats{
		Handled:       s.handled.Load(),
		Failed:        s.failed.Load(),
		Replayed:      s.replayed.Load(),
		CachedReplies: s.replies.len(),
		Connectors:    conns,
	}
}

func (s *Server) misbehaving(from types.PeerAddress, points int, reason string) {
	if s.peers != nil {
		s.peers.Misbehaving(from, points, reason)
	}
}

// Handle answers one request packet and sends the signed reply back on
// the connection it came from.
func (s *Server) Handle(ctx context.Context, from Sender, pkt *types.Packet) {
	cmd, reply, ok := s.Process(ctx, from.Addr(), pkt)
	if !ok {
		return
	}
	out := types.NewPacket(cmd, pkt.UUID).AppendString(reply)
	if err := out.Sign(s.key); err != nil {
		logf("cannot sign reply to %s query %s: %v", from.Addr(), pkt.UUID, err)
		return
	}
	if err := from.Send(ctx, out); err != nil {
		logf("cannot send reply to %s query %s: %v", from.Addr(), pkt.UUID, err)
		return
	}
	debugf("sent %s for query %s to %s", cmd, pkt.UUID, from.Addr())
}

// Process runs a request and returns the reply command and body. It
// reports false for requests that get no reply.
func (s *Server) Process(ctx context.Context, from types.PeerAddress, pkt *types.Packet) (cmd types.Command, reply string, ok bool) {
	s.handled.Inc()
	cmd = types.Reply
	defer func() {
		if r := recover(); r != nil {
			logf("panic serving %s query %s from %s: %v", pkt.Command, pkt.UUID, from, r)
			cmd, reply, ok = types.Reply, types.ErrorReply(types.NewError(types.InternalServerError, "Internal Server Error")), true
		}
		if ok && types.HasError(reply) {
			s.failed.Inc()
		}
	}()

	if pkt.Version != types.ProtocolVersion {
		err := types.NewError(types.BadVersion,
			"You are using a different version of XRouter protocol. This node runs version %d", types.ProtocolVersion)
		return cmd, types.ErrorReply(err), true
	}
	if !pkt.Verify(nil) {
		s.misbehaving(from, dosBadSignature, "unsigned packet or signature error")
		return cmd, types.ErrorReply(types.NewError(types.BadRequest, "Unsigned packet or signature error")), true
	}
	if !s.guard.first(from, pkt) {
		s.replayed.Inc()
		debugf("dropping replayed %s query %s from %s", pkt.Command, pkt.UUID, from)
		return cmd, "", false
	}

	if pkt.Command == types.GetConfig {
		payload, err := s.config(from, pkt)
		if err != nil {
			return cmd, types.ErrorReply(err), true
		}
		logf("sending config to client %s for query %s", from, pkt.UUID)
		return types.ConfigReply, payload, true
	}

	reply, err := s.call(ctx, from, pkt)
	if err != nil {
		logf("%v", err)
		reply = types.ErrorReply(err)
	}
	if pkt.Command != types.GetReply {
		s.replies.put(pkt.UUID, reply)
	}
	return cmd, reply, true
}

func (s *Server) config(from types.PeerAddress, pkt *types.Packet) (string, error) {
	if pkt.BodyLength() > maxConfigRequest {
		s.misbehaving(from, dosConfigSize, "config request larger than expected")
		return "", types.NewError(types.BadRequest, "Packet is too large, must be smaller than %d bytes", maxConfigRequest)
	}
	if !s.requests.NeedConfigUpdate(from, true) {
		s.misbehaving(from, dosConfigTooOften, "too many config requests")
	}
	s.requests.UpdateSentRequest(from, types.GetConfig.String())
	return types.MustJSON(s.Settings().PublicPayload()), nil
}

// call runs a wallet or plugin request through admission, fee checks,
// execution and fee settlement.
func (s *Server) call(ctx context.Context, from types.PeerAddress, pkt *types.Packet) (string, error) {
	cmd := pkt.Command
	settings := s.Settings()
	r := pkt.Reader()
	service, feeTx, count, err := r.ReadRequestHeader()
	if err != nil {
		s.misbehaving(from, dosBadRequest, "malformed request")
		return "", types.NewError(types.BadRequest, "Malformed request %s: %v", pkt.UUID, err)
	}
	fq := types.FQService(cmd, service)
	if cmd != types.Service && !cmd.IsWallet() {
		return "", types.NewError(types.UnsupportedService, "Unknown command %s", fq)
	}
	if !settings.IsAvailableCommand(cmd, service) {
		return "", types.NewError(types.UnsupportedService, "Unsupported xrouter command: %s", fq)
	}
	limit := settings.CommandFetchLimit(cmd, service, core.DefaultFetchLimit)
	if int64(count) > int64(limit) {
		s.misbehaving(from, dosBadRequest, "parameter count above fetch limit: "+fq)
		return "", types.NewError(types.BadRequest, "Too many parameters from client, max is %d: %s", limit, fq)
	}

	rateLimit := settings.ClientRequestLimit(cmd, service, -1)
	limited := s.requests.RateLimitExceeded(from, fq, rateLimit)
	s.requests.UpdateSentRequest(from, fq)
	if limited {
		s.misbehaving(from, dosRateLimit, "rate limit exceeded: "+fq)
		return "", types.NewError(types.TooManyRequests, "Rate limit exceeded: %s", fq)
	}

	params, err := r.ReadParams(count)
	if err != nil {
		s.misbehaving(from, dosBadRequest, "too many parameters in query")
		return "", types.NewError(types.BadRequest,
			"XRouter: too many parameters in call %s query %s from node %s", fq, pkt.UUID, from)
	}
	if cmd.IsUnsupported() {
		return "", types.NewError(types.UnsupportedService, "This call is not supported: %s", fq)
	}
	if cmd == types.GetReply {
		return s.fetchReply(pkt.UUID), nil
	}

	receipt, err := s.verifyFee(ctx, from, settings, cmd, service, feeTx, fq)
	if err != nil {
		return "", err
	}
	settled := false
	defer func() {
		if receipt != nil && !settled {
			s.payments.Release(receipt)
		}
	}()

	result, err := s.execute(ctx, settings, cmd, service, params, fq)
	if err != nil {
		s.misbehaving(from, dosBadRequest, "failed request "+fq)
		return "", err
	}
	reply := types.ResultReply(result)
	if receipt != nil && !types.HasError(result) {
		settled = true
		if err := s.payments.SettleFee(ctx, receipt); err != nil {
			logf("cannot collect fee %s from %s: %v", receipt.Txid, from, err)
			s.misbehaving(from, dosSettleFailed, "bad fee payment for "+fq)
			return "", types.NewError(types.InsufficientFee, "Bad fee payment from client %s service %s", from, fq)
		}
		logf("received payment %s for service %s from node %s", receipt.Txid, fq, from)
	}
	debugf("served %s query %s for %s", fq, pkt.UUID, from)
	return reply, nil
}

// fetchReply returns the cached reply of an earlier query.
func (s *Server) fetchReply(uuid string) string {
	if reply, ok := s.replies.get(uuid); ok {
		return reply
	}
	return types.ErrorReply(types.NewError(types.InvalidParameters, "Unknown query id: %s", uuid))
}

// verifyFee checks the fee a command costs. Free commands return a nil
// receipt.
func (s *Server) verifyFee(ctx context.Context, from types.PeerAddress, settings *core.Settings, cmd types.Command, service, feeTx, fq string) (*payment.Receipt, error) {
	fee := settings.CommandFee(cmd, service, 0)
	if fee <= 0 {
		return nil, nil
	}
	badFee := types.NewError(types.InsufficientFee, "Bad fee payment from client %s service %s", from, fq)
	if s.payments == nil {
		logf("fee of %v required for %s but payments are disabled", fee, fq)
		return nil, badFee
	}
	amount, err := payment.ToAmount(fee)
	if err != nil {
		return nil, err
	}
	r, err := s.payments.VerifyFee(ctx, feeTx, settings.PaymentAddress(cmd, service), amount)
	if err != nil {
		logf("fee from %s for %s rejected: %v", from, fq, err)
		s.misbehaving(from, dosBadFee, badFee.Msg)
		if types.CodeOf(err) == types.ExpiredPaymentChannel {
			return nil, err
		}
		return nil, badFee
	}
	debugf("%s expecting fee %v", fq, fee)
	return r, nil
}

// execute runs the backend of a request. Panics and untyped failures are
// turned into server errors.
func (s *Server) execute(ctx context.Context, settings *core.Settings, cmd types.Command, service string, params []string, fq string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logf("panic in %s: %v", fq, r)
			err = types.NewError(types.InternalServerError, "Internal Server Error in %s", fq)
		}
	}()
	if cmd == types.Service {
		ps, ok := settings.Plugin(service)
		if !ok {
			return "", types.NewError(types.BadRequest, "Service not supported: %s", fq)
		}
		result, err = s.runner.Call(ctx, service, ps, params)
		if err != nil && !isTyped(err) {
			logf("%s: %v", fq, err)
			err = types.NewError(types.InternalServerError, "Unknown server error in %s", fq)
		}
		return result, err
	}
	result, err = s.walletCall(ctx, settings, cmd, service, params)
	if err != nil && !isTyped(err) {
		logf("%s: %v", fq, err)
		err = types.NewError(types.BadConnector, "Internal Server Error: Bad connector for %s", fq)
	}
	return result, err
}

func isTyped(err error) bool {
	var xe *types.Error
	return errors.As(err, &xe)
}

// Run performs periodic upkeep until ctx ends: expired replies are
// dropped, payment channels near their deadline are closed and old
// entries of the spent-fee index are pruned.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintain(ctx)
		}
	}
}

func (s *Server) maintain(ctx context.Context) {
	if n := s.replies.prune(); n > 0 {
		debugf("pruned %d cached replies", n)
	}
	if s.payments == nil {
		return
	}
	if n, err := s.payments.CloseChannels(ctx, channelCloseWindow); err != nil {
		logf("closing payment channels: %v", err)
	} else if n > 0 {
		logf("closed %d payment channels", n)
	}
	if _, err := s.payments.PruneSpent(spentFeeRetention); err != nil {
		logf("pruning spent fees: %v", err)
	}
}

// Close shuts down every connector.
func (s *Server) Close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for cur, c := range s.connectors {
		c.Close()
		delete(s.connectors, cur)
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("handled=%d failed=%d replayed=%d cached=%d connectors=%d",
		s.Handled, s.Failed, s.Replayed, s.CachedReplies, s.Connectors)
}
