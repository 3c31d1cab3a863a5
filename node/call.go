// SPDX-License-Identifier: MIT
// Dev: KryperAI

package node

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"xrouter/core"
	"xrouter/payment"
	"xrouter/query"
	"xrouter/types"
)

// target is a node a request was paid for and sent to.
type target struct {
	*candidate
	feeTx   string
	channel bool
	unlock  sync.Once
}

// release unlocks the fee inputs of t, once.
func (t *target) release(p *payment.Payments) {
	if t.feeTx == "" || p == nil {
		return
	}
	t.unlock.Do(func() {
		if n := p.UnlockOutputs(t.feeTx); n > 0 {
			debugf("unlocked %d fee inputs for %s", n, t.addr())
		}
	})
}

// nodeErrors collects per-node failures that are reported with the final
// error.
type nodeErrors []*types.Error

func (e *nodeErrors) add(err error) {
	*e = append(*e, types.NewError(types.CodeOf(err), "%s", err.Error()))
}

func (e nodeErrors) wrap(err *types.Error) *types.Error {
	if len(e) == 0 {
		return err
	}
	var b strings.Builder
	b.WriteString(err.Msg)
	for _, n := range e {
		fmt.Fprintf(&b, " | %s code %d", n.Msg, n.Code)
	}
	return types.NewError(err.Code, "%s", b.String())
}

// Call sends cmd on service to enough service nodes to satisfy the
// requested confirmations and returns the consensus reply with the query
// uuid. Failures are returned as {"error","code","uuid"}.
func (a *App) Call(ctx context.Context, cmd types.Command, service string, confirmations int, params []string) (string, string) {
	id := a.newUUID()
	reply, err := a.call(ctx, id, cmd, service, confirmations, params)
	if err != nil {
		logf("query %s for %s failed: %v", id, service, err)
		return types.ErrorReplyUUID(err, id), id
	}
	return reply, id
}

func (a *App) call(ctx context.Context, id string, cmd types.Command, service string, confirmations int, params []string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logf("panic in query %s: %v", id, r)
			err = types.NewError(types.InternalServerError, "Internal Server Error")
		}
	}()

	if !cmd.IsValid() || cmd == types.Reply || cmd == types.ConfigReply || cmd == types.GetConfig {
		return "", types.NewError(types.InvalidParameters, "Unknown command %s", cmd)
	}
	name, ok := types.RemoveNamespace(service)
	if !ok {
		return "", types.NewError(types.InvalidParameters, "Bad service name")
	}
	fq := types.FQService(cmd, name)
	if err := checkParams(cmd, fq, params); err != nil {
		return "", err
	}

	settings := a.Settings()
	confs := settings.Confirmations(cmd, name, confirmations)
	if confs < 1 {
		confs = 1
	}
	if confs > maxConfirmations {
		confs = maxConfirmations
	}
	sel := selection{
		cmd:     cmd,
		service: name,
		params:  len(params),
		maxFee:  settings.MaxFee(cmd, name, 0),
	}
	timeout := time.Duration(settings.CommandTimeout(cmd, name, core.DefaultTimeout)) * time.Second

	selected := a.openConnections(ctx, sel, confs)
	defer releaseAll(selected)
	if len(selected) < confs {
		return "", types.NewError(types.NotEnoughNodes,
			"Failed to find %d service node(s) supporting %s with config limits, found %d", confs, fq, len(selected))
	}

	var notes nodeErrors
	targets := make([]*target, 0, confs)
	defer func() {
		if err != nil {
			for _, t := range targets {
				t.release(a.payments)
			}
		}
	}()

	for _, c := range selected {
		if len(targets) == confs {
			break
		}
		t := &target{candidate: c}
		if c.fee > 0 {
			if err := a.pay(ctx, t, sel); err != nil {
				logf("could not pay %s for %s: %v", c.addr(), fq, err)
				notes.add(types.NewError(types.InsufficientFunds,
					"Could not create payments to service node %s: %v", c.addr(), err))
				continue
			}
		}
		targets = append(targets, t)
	}
	if len(targets) < confs {
		return "", notes.wrap(types.NewError(types.NotEnoughNodes,
			"Found %d service node(s), however, %d meet your requirements. %d service node(s) are required to process the request",
			len(selected), len(targets), confs))
	}

	sent := a.dispatch(ctx, id, cmd, name, params, targets, &notes)
	if len(sent) == 0 {
		return "", notes.wrap(types.NewError(types.NotEnoughNodes, "Failed to send %s to any service node", fq))
	}

	wctx, cancel := a.bound(ctx, timeout)
	got := a.queries.WaitReplies(wctx, id, len(sent))
	cancel()
	debugf("query %s got %d of %d replies", id, got, len(sent))

	return a.settle(id, fq, sent)
}

// pay builds the fee payment to t, through a payment channel when one is
// open to the node.
func (a *App) pay(ctx context.Context, t *target, sel selection) error {
	if a.payments == nil {
		return types.NewError(types.InsufficientFunds, "no wallet to pay fees from")
	}
	amount, err := payment.ToAmount(t.fee)
	if err != nil {
		return err
	}
	if raw, ok, err := a.payments.ChannelPayment(t.node.Pubkey, amount); err != nil {
		return err
	} else if ok {
		t.feeTx, t.channel = raw, true
		return nil
	}
	addr := t.config.PaymentAddress(sel.cmd, sel.service)
	if addr == "" {
		addr = t.node.PaymentAddress
	}
	raw, err := a.payments.CreatePayment(ctx, addr, amount)
	if err != nil {
		return err
	}
	t.feeTx = raw
	return nil
}

// dispatch registers a wait slot for every target, then signs and sends
// the request. It returns the targets the request reached.
func (a *App) dispatch(ctx context.Context, id string, cmd types.Command, service string, params []string, targets []*target, notes *nodeErrors) []*target {
	fq := types.FQService(cmd, service)
	sent := make([]*target, 0, len(targets))
	for _, t := range targets {
		addr := t.addr()
		a.queries.AddQuery(id, addr)
		pkt := types.NewPacket(cmd, id).AppendRequest(types.Request{
			Service: service,
			FeeTx:   t.feeTx,
			Params:  params,
		})
		if err := pkt.Sign(a.key); err != nil {
			a.queries.PurgePeer(id, addr)
			t.release(a.payments)
			notes.add(err)
			continue
		}
		sctx, cancel := a.bound(ctx, sendTimeout)
		err := t.peer.Send(sctx, pkt)
		cancel()
		if err != nil {
			logf("failed to send %s query %s to %s: %v", fq, id, addr, err)
			a.queries.PurgePeer(id, addr)
			t.release(a.payments)
			notes.add(types.NewError(types.BadRequest, "Failed to send request to %s", addr))
			continue
		}
		a.queries.UpdateSentRequest(addr, fq)
		logf("sent %s query %s to %s", fq, id, addr)
		sent = append(sent, t)
	}
	return sent
}

// settle scores the nodes of a finished query, unlocks the fees of nodes
// that failed it and renders the result.
func (a *App) settle(id, fq string, sent []*target) (string, error) {
	byAddr := make(map[types.PeerAddress]*target, len(sent))
	for _, t := range sent {
		byAddr[t.addr()] = t
		if !a.queries.HasReply(id, t.addr()) {
			logf("no reply from %s for query %s", t.addr(), id)
			a.updateScore(t.addr(), query.PenaltyNoReply)
			t.release(a.payments)
		}
	}
	a.queries.Purge(id)

	cons := a.queries.MostCommonReply(id)
	if cons.Count == 0 {
		return "", types.NewError(types.ServerTimeout,
			"Failed to get response in time. Try xrGetReply command to check if nodes have replied")
	}

	for _, p := range cons.Diff {
		a.updateScore(p, query.PenaltyDisagree)
		if t, ok := byAddr[p]; ok {
			t.release(a.payments)
		}
	}
	if cons.Count > 1 && !types.HasError(cons.Reply) {
		for _, p := range cons.Agree {
			a.updateScore(p, query.RewardAgreePerPeer*cons.Count)
		}
	}
	for p, r := range cons.Replies {
		if code, ok := types.ReplyCode(r); ok && code == types.InternalServerError {
			a.updateScore(p, query.PenaltyServerError)
		}
		if types.HasError(r) {
			if t, ok := byAddr[p]; ok {
				t.release(a.payments)
			}
		}
	}
	logf("query %s for %s: %d of %d nodes agree", id, fq, cons.Count, len(cons.Replies))

	if len(cons.Replies) == 1 {
		return cons.Reply, nil
	}
	return types.MustJSON(types.CompositeResult{
		Result:     types.ResultField(cons.Reply),
		AllReplies: a.nodeReplies(cons.Replies),
		UUID:       id,
	}), nil
}

// nodeReplies lists replies with the pubkey and score of their node,
// ordered by address.
func (a *App) nodeReplies(replies map[types.PeerAddress]string) []types.NodeReply {
	addrs := make([]types.PeerAddress, 0, len(replies))
	for p := range replies {
		addrs = append(addrs, p)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	out := make([]types.NodeReply, 0, len(addrs))
	for _, p := range addrs {
		n, _ := a.directory.Get(p)
		out = append(out, types.NodeReply{
			NodePubkey: n.Pubkey,
			Score:      a.scores.Get(p),
			Address:    string(p),
			Reply:      types.RawJSON(replies[p]),
		})
	}
	return out
}

// GetReply returns every reply stored for id with the most common one.
func (a *App) GetReply(id string) string {
	replies := a.queries.AllReplies(id)
	if len(replies) == 0 {
		return types.ErrorReplyUUID(types.NewError(types.NoReplies, "No replies found"), id)
	}
	cons := a.queries.MostCommonReply(id)
	return types.MustJSON(types.FetchedReplies{
		AllReplies:      a.nodeReplies(replies),
		MostCommon:      types.RawJSON(cons.Reply),
		MostCommonCount: cons.Count,
		UUID:            id,
	})
}

// checkParams validates the parameters of wallet commands before any node
// is contacted.
func checkParams(cmd types.Command, fq string, params []string) error {
	switch cmd {
	case types.GetBlockHash:
		if len(params) == 0 {
			return types.NewError(types.InvalidParameters, "Missing parameters for %s", fq)
		}
		p := params[0]
		if !types.IsNumber(p) && !(strings.HasPrefix(p, "0x") && types.IsHex(p[2:])) && !types.IsHex(p) {
			return types.NewError(types.InvalidParameters, "Incorrect block number: %s", p)
		}
	case types.GetBlock:
		if len(params) == 0 {
			return types.NewError(types.InvalidParameters, "Missing parameters for %s", fq)
		}
		p := params[0]
		if !types.IsNumber(p) && !types.IsHash(p) && !types.IsHex(p) {
			return types.NewError(types.InvalidParameters, "Incorrect hash: %s", p)
		}
	case types.GetTransaction:
		if len(params) == 0 {
			return types.NewError(types.InvalidParameters, "Missing parameters for %s", fq)
		}
		if !types.IsHash(params[0]) {
			return types.NewError(types.InvalidParameters, "Incorrect hash: %s", params[0])
		}
	case types.GetBlocks, types.GetTransactions:
		if len(params) == 0 {
			return types.NewError(types.InvalidParameters, "Missing parameters for %s", fq)
		}
		for _, p := range params {
			if !types.IsHash(p) {
				return types.NewError(types.InvalidParameters, "Incorrect hash %s for %s", p, fq)
			}
		}
	case types.SendTransaction, types.DecodeRawTransaction:
		if len(params) == 0 {
			return types.NewError(types.InvalidParameters, "Missing parameters for %s", fq)
		}
	}
	return nil
}
