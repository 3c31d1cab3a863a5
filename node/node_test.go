package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"xrouter/core"
	"xrouter/p2p"
	"xrouter/payment"
	"xrouter/query"
	"xrouter/server"
	"xrouter/types"
)

type fakeConn struct {
	currency string
	count    string
}

func (c *fakeConn) Currency() string                              { return c.currency }
func (c *fakeConn) GetBlockCount(context.Context) (string, error) { return c.count, nil }
func (c *fakeConn) GetBlockHash(context.Context, int64) (string, error) {
	return `"00ff"`, nil
}
func (c *fakeConn) GetBlock(context.Context, string) (string, error)     { return `{}`, nil }
func (c *fakeConn) GetBlocks(context.Context, []string) (string, error)  { return `[]`, nil }
func (c *fakeConn) GetTransaction(context.Context, string) (string, error) { return `{}`, nil }
func (c *fakeConn) GetTransactions(context.Context, []string) (string, error) {
	return `[]`, nil
}
func (c *fakeConn) DecodeRawTransaction(context.Context, string) (string, error) { return `{}`, nil }
func (c *fakeConn) SendTransaction(context.Context, string) (string, error)      { return `"txid"`, nil }
func (c *fakeConn) Close()                                                       {}

const snodeConf = `[Main]
wallets=BLOCK
fee=0

[BLOCK]
private::rpcport=41414
`

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := types.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return k
}

func pubHex(k *ecdsa.PrivateKey) string {
	return hex.EncodeToString(types.CompressedPubkey(k))
}

func newSettings(t *testing.T, text string, mine bool) *core.Settings {
	t.Helper()
	cfg, err := core.ParseIni(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return core.NewSettings(cfg, "", mine)
}

type testNet struct {
	t   *testing.T
	net *p2p.MemNetwork
	dir *p2p.Directory
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, net: p2p.NewMemNetwork(), dir: p2p.NewDirectory()}
}

func (n *testNet) start(app *App) *App {
	n.t.Helper()
	if err := app.Start(); err != nil {
		n.t.Fatalf("start: %v", err)
	}
	n.t.Cleanup(app.Stop)
	return app
}

// serviceNode starts a service node answering GetBlockCount with count.
func (n *testNet) serviceNode(addr types.PeerAddress, conf, count string, opts ...server.Option) *App {
	n.t.Helper()
	key := newKey(n.t)
	settings := newSettings(n.t, conf, true)
	mgr := p2p.NewManager(n.net.Transport(addr))
	opts = append(opts, server.WithConnector(&fakeConn{currency: "BLOCK", count: count}))
	srv := server.New(key, settings, mgr, opts...)
	app := New(key, settings, mgr, n.dir, WithServer(srv))
	n.dir.Add(types.ServiceNode{Address: addr, Pubkey: app.Pubkey(), Services: []string{"xr::BLOCK"}})
	return n.start(app)
}

func (n *testNet) client(conf string, opts ...Option) *App {
	n.t.Helper()
	mgr := p2p.NewManager(n.net.Transport("client:1"))
	return n.start(New(newKey(n.t), newSettings(n.t, conf, true), mgr, n.dir, opts...))
}

func replyCode(t *testing.T, reply string) types.Code {
	t.Helper()
	var e types.ErrorResult
	if err := types.Unmarshal([]byte(reply), &e); err != nil || e.Error == "" {
		t.Fatalf("not an error reply: %s", reply)
	}
	return e.Code
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConsensusScoring(t *testing.T) {
	n := newTestNet(t)
	n.serviceNode("snode1:1", snodeConf, "42")
	n.serviceNode("snode2:1", snodeConf, "42")
	n.serviceNode("snode3:1", snodeConf, "43")
	c := n.client("[Main]\ntimeout=5\n")

	reply, id := c.Call(context.Background(), types.GetBlockCount, "xr::BLOCK", 3, nil)
	var res types.CompositeResult
	if err := types.Unmarshal([]byte(reply), &res); err != nil {
		t.Fatalf("decode %s: %v", reply, err)
	}
	if string(res.Result) != "42" || len(res.AllReplies) != 3 || res.UUID != id {
		t.Fatalf("result %s", reply)
	}
	want := map[types.PeerAddress]int{"snode1:1": 4, "snode2:1": 4, "snode3:1": -5}
	for addr, score := range want {
		if got := c.scores.Get(addr); got != score {
			t.Fatalf("score of %s = %d, want %d", addr, got, score)
		}
	}
	if c.configs.Len() != 3 {
		t.Fatalf("configs cached %d", c.configs.Len())
	}

	var fetched types.FetchedReplies
	if err := types.Unmarshal([]byte(c.GetReply(id)), &fetched); err != nil {
		t.Fatalf("getreply: %v", err)
	}
	if fetched.MostCommonCount != 2 || len(fetched.AllReplies) != 3 {
		t.Fatalf("fetched %+v", fetched)
	}
}

func TestSingleReplyUnwrapped(t *testing.T) {
	n := newTestNet(t)
	n.serviceNode("snode1:1", snodeConf, "42")
	c := n.client("[Main]\nmaxfee=0\n")

	reply, id := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 1, nil)
	if reply != `{"result":42}` {
		t.Fatalf("reply %s", reply)
	}
	if strings.Contains(reply, "allreplies") {
		t.Fatalf("single reply wrapped: %s", reply)
	}
	if c.scores.Get("snode1:1") != 0 {
		t.Fatalf("single agreement scored %d", c.scores.Get("snode1:1"))
	}
	if code := replyCode(t, c.GetReply("unknown")); code != types.NoReplies {
		t.Fatalf("code %d", code)
	}
	if !strings.Contains(c.GetReply(id), `"mostcommoncount":1`) {
		t.Fatalf("getreply %s", c.GetReply(id))
	}
}

func TestNotEnoughNodes(t *testing.T) {
	n := newTestNet(t)
	n.serviceNode("snode1:1", snodeConf, "42")
	c := n.client("[Main]\n")

	reply, _ := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 2, nil)
	if code := replyCode(t, reply); code != types.NotEnoughNodes {
		t.Fatalf("reply %s", reply)
	}
	if !strings.Contains(reply, "found 1") {
		t.Fatalf("reply %s", reply)
	}
}

func TestFeeAboveMaxFeeSkipsNode(t *testing.T) {
	n := newTestNet(t)
	n.serviceNode("snode1:1", "[Main]\nwallets=BLOCK\nfee=0.5\n", "42")
	c := n.client("[Main]\nmaxfee=0.1\n")

	reply, _ := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 1, nil)
	if code := replyCode(t, reply); code != types.NotEnoughNodes {
		t.Fatalf("reply %s", reply)
	}
}

func TestClientRateLimit(t *testing.T) {
	n := newTestNet(t)
	n.serviceNode("snode1:1", "[Main]\nwallets=BLOCK\nfee=0\nclientrequestlimit=60000\n", "42")
	c := n.client("[Main]\n")

	if reply, _ := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 1, nil); reply != `{"result":42}` {
		t.Fatalf("first call %s", reply)
	}
	reply, _ := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 1, nil)
	if code := replyCode(t, reply); code != types.NotEnoughNodes {
		t.Fatalf("second call %s", reply)
	}
}

func TestNoReplyUnlocksFee(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	l := payment.NewMemLedger(params)
	from, _ := l.NewAddress()
	if _, err := l.Fund(from, btcutil.Amount(100000000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	payTo, _ := l.NewAddress()
	pay := payment.New(l, params)

	n := newTestNet(t)
	silent := p2p.NewManager(n.net.Transport("silent:1"))
	if err := silent.Start(func(*p2p.Peer, string, []byte) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { silent.Close() })
	n.dir.Add(types.ServiceNode{Address: "silent:1", Pubkey: pubHex(newKey(t)), Services: []string{"xr::BLOCK"}})

	c := n.client("[Main]\nmaxfee=1\ntimeout=1\n", WithPayments(pay))
	conf := "[Main]\nwallets=BLOCK\nfee=0.1\npaymentaddress=" + payTo.EncodeAddress() + "\n"
	c.configs.Update("silent:1", newSettings(t, conf, false))

	reply, _ := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 1, nil)
	if code := replyCode(t, reply); code != types.ServerTimeout {
		t.Fatalf("reply %s", reply)
	}
	if pay.LockedCount() != 0 {
		t.Fatalf("%d inputs still locked", pay.LockedCount())
	}
	if len(l.Broadcasted()) != 0 {
		t.Fatalf("fee broadcast for an unanswered call")
	}
	if got := c.scores.Get("silent:1"); got != query.PenaltyNoReply {
		t.Fatalf("score %d", got)
	}
}

func TestPaidCallSkipsUnpayableNode(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	l := payment.NewMemLedger(params)
	from, _ := l.NewAddress()
	for i := 0; i < 2; i++ {
		if _, err := l.Fund(from, btcutil.Amount(100000000)); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	pay := payment.New(l, params)

	n := newTestNet(t)
	paidConf := func(fee, addr string) string {
		return "[Main]\nwallets=BLOCK\nfee=" + fee + "\npaymentaddress=" + addr + "\n\n[BLOCK]\nprivate::rpcport=41414\n"
	}
	var payTo []string
	for _, addr := range []types.PeerAddress{"snode1:1", "snode2:1"} {
		a, _ := l.NewAddress()
		payTo = append(payTo, a.EncodeAddress())
		n.serviceNode(addr, paidConf("0.01", a.EncodeAddress()), "42", server.WithPayments(payment.New(l, params)))
	}
	// cheapest, so it is tried first
	n.serviceNode("unpayable:1", paidConf("0.005", "notanaddress"), "42", server.WithPayments(payment.New(l, params)))

	c := n.client("[Main]\nmaxfee=1\ntimeout=5\n", WithPayments(pay))
	reply, _ := c.Call(context.Background(), types.GetBlockCount, "BLOCK", 2, nil)
	var res types.CompositeResult
	if err := types.Unmarshal([]byte(reply), &res); err != nil {
		t.Fatalf("decode %s: %v", reply, err)
	}
	if string(res.Result) != "42" || len(res.AllReplies) != 2 {
		t.Fatalf("result %s", reply)
	}
	for _, a := range payTo {
		eventually(t, "fee at "+a, func() bool { return l.Received(a) == btcutil.Amount(1000000) })
	}
	if got := len(l.Broadcasted()); got != 2 {
		t.Fatalf("%d fees broadcast", got)
	}
	if got := c.scores.Get("unpayable:1"); got != 0 {
		t.Fatalf("unpayable node scored %d", got)
	}
	if c.scores.Get("snode1:1") != 4 || c.scores.Get("snode2:1") != 4 {
		t.Fatalf("scores %v", c.Scores())
	}
}

func TestTargetReleaseOnce(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	l := payment.NewMemLedger(params)
	from, _ := l.NewAddress()
	l.Fund(from, btcutil.Amount(100000000))
	payTo, _ := l.NewAddress()
	pay := payment.New(l, params)

	raw, err := pay.CreatePayment(context.Background(), payTo.EncodeAddress(), btcutil.Amount(1000000))
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if pay.LockedCount() != 1 {
		t.Fatalf("locked %d", pay.LockedCount())
	}
	tg := &target{candidate: &candidate{node: types.ServiceNode{Address: "a:1"}}, feeTx: raw}
	tg.release(pay)
	if pay.LockedCount() != 0 {
		t.Fatalf("not unlocked")
	}
	// A second payment reuses the input; a late release must not free it.
	raw2, err := pay.CreatePayment(context.Background(), payTo.EncodeAddress(), btcutil.Amount(1000000))
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	tg.release(pay)
	if pay.LockedCount() != 1 {
		t.Fatalf("second release unlocked %s", raw2)
	}
}

func TestBanAtThreshold(t *testing.T) {
	n := newTestNet(t)
	c := n.client("[Main]\n")
	if got := c.updateScore("bad:1", -150); got != -150 || c.peers.IsBanned("bad:1") {
		t.Fatalf("banned early, score %d", got)
	}
	if got := c.updateScore("bad:1", -50); got != query.ScoreAfterBan {
		t.Fatalf("score after ban %d", got)
	}
	if !c.peers.IsBanned("bad:1") {
		t.Fatalf("peer not banned")
	}
}

func TestBadServiceNameAndParams(t *testing.T) {
	n := newTestNet(t)
	c := n.client("[Main]\n")
	ctx := context.Background()

	tests := []struct {
		cmd     types.Command
		service string
		params  []string
		msg     string
	}{
		{types.GetBlockCount, "bad name!", nil, "Bad service name"},
		{types.GetBlockHash, "BLOCK", []string{"twelve"}, "Incorrect block number: twelve"},
		{types.GetBlock, "BLOCK", []string{"not-a-hash"}, "Incorrect hash: not-a-hash"},
		{types.GetTransaction, "BLOCK", nil, "Missing parameters for BLOCK::xrGetTransaction"},
		{types.GetTransactions, "BLOCK", []string{"abcdef0123456789", "x"}, "Incorrect hash x for BLOCK::xrGetTransactions"},
		{types.GetBlocks, "BLOCK", nil, "Missing parameters"},
	}
	for _, tt := range tests {
		reply, _ := c.Call(ctx, tt.cmd, tt.service, 1, tt.params)
		if code := replyCode(t, reply); code != types.InvalidParameters || !strings.Contains(reply, tt.msg) {
			t.Fatalf("%s %v: %s", tt.cmd, tt.params, reply)
		}
	}
	for _, ok := range []string{"12", "0x0c", "ff00"} {
		if err := checkParams(types.GetBlockHash, "BLOCK::xrGetBlockHash", []string{ok}); err != nil {
			t.Fatalf("%s rejected: %v", ok, err)
		}
	}
}

func TestConnectAndStatus(t *testing.T) {
	n := newTestNet(t)
	n.serviceNode("snode1:1", snodeConf, "42")
	c := n.client("[Main]\nwallets=LTC\n\n[LTC]\nprivate::rpcpassword=secret\n")

	if _, err := c.Connect(context.Background(), "BLOCK", 1); types.CodeOf(err) != types.InvalidParameters ||
		!strings.Contains(err.Error(), "Missing top-level namespace") {
		t.Fatalf("connect without namespace: %v", err)
	}
	out, err := c.Connect(context.Background(), "xr::BLOCK", 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	var configs []NodeConfig
	if err := types.Unmarshal([]byte(out), &configs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(configs) != 1 || configs[0].Address != "snode1:1" || len(configs[0].Wallets) != 1 || configs[0].Wallets[0] != "BLOCK" {
		t.Fatalf("configs %s", out)
	}
	if configs[0].NodePubkey == "" || len(configs[0].WalletConfigs[0].Commands) != len(types.WalletCommands()) {
		t.Fatalf("config details %s", out)
	}
	if !strings.Contains(c.NodeConfigs(), "snode1:1") {
		t.Fatalf("node configs %s", c.NodeConfigs())
	}

	status := c.Status()
	if strings.Contains(status, "secret") || strings.Contains(status, "private::") {
		t.Fatalf("status leaks private lines: %s", status)
	}
	if !strings.Contains(status, `"servicenode":false`) || !strings.Contains(status, c.Pubkey()) {
		t.Fatalf("status %s", status)
	}
}

func TestBestFirst(t *testing.T) {
	cs := []*candidate{
		{node: types.ServiceNode{Address: "a"}, cached: false, score: 50},
		{node: types.ServiceNode{Address: "b"}, cached: true, score: 0, fee: 0.2},
		{node: types.ServiceNode{Address: "c"}, cached: true, score: 0, fee: 0.1},
		{node: types.ServiceNode{Address: "d"}, cached: true, score: 10, fee: 1},
	}
	bestFirst(cs)
	var got []string
	for _, c := range cs {
		got = append(got, string(c.addr()))
	}
	if strings.Join(got, "") != "dcba" {
		t.Fatalf("order %v", got)
	}
}

func TestReplySignedByWrongKeyIgnored(t *testing.T) {
	n := newTestNet(t)
	n.dir.Add(types.ServiceNode{Address: "snode1:1", Pubkey: pubHex(newKey(t))})
	c := n.client("[Main]\n")
	c.queries.AddQuery("q1", "snode1:1")

	pkt := types.NewPacket(types.Reply, "q1").AppendString(`{"result":1}`)
	if err := pkt.Sign(newKey(t)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.processReply("snode1:1", pkt)
	if c.queries.HasReply("q1", "snode1:1") {
		t.Fatalf("forged reply accepted")
	}
	if c.peers.MisbehaviorScore("snode1:1") != dosBadSignature {
		t.Fatalf("misbehavior %d", c.peers.MisbehaviorScore("snode1:1"))
	}
}

func TestUndecodablePacketPenalized(t *testing.T) {
	n := newTestNet(t)
	c := n.client("[Main]\n")
	mgr := p2p.NewManager(n.net.Transport("junk:1"))
	if err := mgr.Start(func(*p2p.Peer, string, []byte) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	p, err := mgr.OpenConnection(context.Background(), "client:1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Release()
	if err := p.SendRaw(context.Background(), p2p.Channel, []byte("junk")); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "penalty", func() bool { return c.scores.Get("junk:1") == penaltyBadPacket })
}
