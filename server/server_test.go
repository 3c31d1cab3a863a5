package server

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"xrouter/core"
	"xrouter/payment"
	"xrouter/types"
)

type fakeConn struct {
	currency string
	count    string
	err      error
	panics   bool
	gate     chan struct{}

	mu      sync.Mutex
	heights []int64
}

func (c *fakeConn) Currency() string { return c.currency }

func (c *fakeConn) GetBlockCount(context.Context) (string, error) {
	if c.panics {
		panic("backend exploded")
	}
	if c.gate != nil {
		<-c.gate
	}
	return c.count, c.err
}

func (c *fakeConn) GetBlockHash(_ context.Context, h int64) (string, error) {
	c.mu.Lock()
	c.heights = append(c.heights, h)
	c.mu.Unlock()
	return `"00ff"`, nil
}

func (c *fakeConn) GetBlock(context.Context, string) (string, error) { return `{"height":1}`, c.err }
func (c *fakeConn) GetBlocks(_ context.Context, hs []string) (string, error) {
	return `[` + strings.Repeat(`{},`, len(hs)-1) + `{}]`, nil
}
func (c *fakeConn) GetTransaction(context.Context, string) (string, error) { return `{}`, nil }
func (c *fakeConn) GetTransactions(context.Context, []string) (string, error) {
	return `[]`, nil
}
func (c *fakeConn) DecodeRawTransaction(context.Context, string) (string, error) { return `{}`, nil }
func (c *fakeConn) SendTransaction(context.Context, string) (string, error)      { return `"txid"`, nil }
func (c *fakeConn) Close()                                                       {}

type penalties struct {
	mu     sync.Mutex
	points map[types.PeerAddress]int
}

func (p *penalties) Misbehaving(addr types.PeerAddress, points int, _ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.points == nil {
		p.points = make(map[types.PeerAddress]int)
	}
	p.points[addr] += points
	return p.points[addr] >= 100
}

func (p *penalties) of(addr types.PeerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.points[addr]
}

type sink struct {
	addr types.PeerAddress
	mu   sync.Mutex
	got  []*types.Packet
}

func (s *sink) Addr() types.PeerAddress { return s.addr }

func (s *sink) Send(_ context.Context, pkt *types.Packet) error {
	s.mu.Lock()
	s.got = append(s.got, pkt)
	s.mu.Unlock()
	return nil
}

const client types.PeerAddress = "10.0.0.2:41412"

const baseConf = `[Main]
wallets=BLOCK
fee=0
private::note=hidden

[BLOCK]
private::rpcport=41414
`

func newSettings(t *testing.T, text string) *core.Settings {
	t.Helper()
	cfg, err := core.ParseIni(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return core.NewSettings(cfg, "", true)
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := types.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return k
}

func request(t *testing.T, key *ecdsa.PrivateKey, cmd types.Command, uuid, service, feeTx string, params ...string) *types.Packet {
	t.Helper()
	pkt := types.NewPacket(cmd, uuid).AppendRequest(types.Request{Service: service, FeeTx: feeTx, Params: params})
	if err := pkt.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return pkt
}

type fixture struct {
	srv   *Server
	key   *ecdsa.PrivateKey
	conn  *fakeConn
	peers *penalties
}

func newFixture(t *testing.T, conf string, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{key: newKey(t), conn: &fakeConn{currency: "BLOCK", count: "42"}, peers: &penalties{}}
	opts = append([]Option{WithConnector(f.conn)}, opts...)
	f.srv = New(newKey(t), newSettings(t, conf), f.peers, opts...)
	return f
}

func (f *fixture) do(t *testing.T, pkt *types.Packet) (types.Command, string) {
	t.Helper()
	cmd, reply, ok := f.srv.Process(context.Background(), client, pkt)
	if !ok {
		t.Fatalf("no reply for %s", pkt.Command)
	}
	return cmd, reply
}

func code(t *testing.T, reply string) types.Code {
	t.Helper()
	c, ok := types.ReplyCode(reply)
	if !ok {
		t.Fatalf("reply without code: %s", reply)
	}
	return c
}

func TestHandleSendsSignedReply(t *testing.T) {
	f := newFixture(t, baseConf)
	out := &sink{addr: client}
	f.srv.Handle(context.Background(), out, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", ""))

	if len(out.got) != 1 {
		t.Fatalf("sent %d packets", len(out.got))
	}
	pkt, err := types.DecodePacket(out.got[0].Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkt.Command != types.Reply || pkt.UUID != "q1" {
		t.Fatalf("reply %s %s", pkt.Command, pkt.UUID)
	}
	if !pkt.Verify(types.CompressedPubkey(f.srv.key)) {
		t.Fatalf("reply not signed by the server")
	}
	body, err := pkt.Reader().ReadString()
	if err != nil || body != `{"result":42}` {
		t.Fatalf("body %q %v", body, err)
	}
}

func TestBadVersion(t *testing.T) {
	f := newFixture(t, baseConf)
	pkt := types.NewPacket(types.GetBlockCount, "q1").AppendRequest(types.Request{Service: "BLOCK"})
	pkt.Version = 49
	if err := pkt.Sign(f.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, reply := f.do(t, pkt); code(t, reply) != types.BadVersion {
		t.Fatalf("reply %s", reply)
	}
}

func TestBadSignatureIsPenalized(t *testing.T) {
	f := newFixture(t, baseConf)
	raw := request(t, f.key, types.GetBlockCount, "q1", "BLOCK", "").Bytes()
	raw[len(raw)-2] ^= 0xff
	pkt, err := types.DecodePacket(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, reply := f.do(t, pkt); code(t, reply) != types.BadRequest {
		t.Fatalf("reply %s", reply)
	}
	if f.peers.of(client) != dosBadSignature {
		t.Fatalf("points %d", f.peers.of(client))
	}
}

func TestReplayIsDropped(t *testing.T) {
	f := newFixture(t, baseConf)
	pkt := request(t, f.key, types.GetBlockCount, "q1", "BLOCK", "")
	f.do(t, pkt)
	if _, _, ok := f.srv.Process(context.Background(), client, pkt); ok {
		t.Fatalf("replayed request answered")
	}
	if f.srv.Stats().Replayed != 1 {
		t.Fatalf("stats %s", f.srv.Stats())
	}
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t, baseConf)
	pkt := types.NewPacket(types.GetConfig, "c1")
	if err := pkt.Sign(f.key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	cmd, reply := f.do(t, pkt)
	if cmd != types.ConfigReply {
		t.Fatalf("command %s: %s", cmd, reply)
	}
	var payload types.ConfigPayload
	if err := types.Unmarshal([]byte(reply), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !strings.Contains(payload.Config, "wallets=BLOCK") || strings.Contains(payload.Config, "private::") {
		t.Fatalf("config %q", payload.Config)
	}

	again := types.NewPacket(types.GetConfig, "c2")
	_ = again.Sign(f.key)
	f.do(t, again)
	if f.peers.of(client) != dosConfigTooOften {
		t.Fatalf("points %d", f.peers.of(client))
	}
}

func TestGetConfigTooLarge(t *testing.T) {
	f := newFixture(t, baseConf)
	pkt := types.NewPacket(types.GetConfig, "c1").AppendBytes(make([]byte, maxConfigRequest))
	_ = pkt.Sign(f.key)
	if _, reply := f.do(t, pkt); code(t, reply) != types.BadRequest {
		t.Fatalf("reply %s", reply)
	}
	if f.peers.of(client) != dosConfigSize {
		t.Fatalf("points %d", f.peers.of(client))
	}
}

func TestUnknownWallet(t *testing.T) {
	f := newFixture(t, baseConf)
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "LTC", "")); code(t, reply) != types.UnsupportedService {
		t.Fatalf("reply %s", reply)
	}
}

func TestUnsupportedCommandNeverCharged(t *testing.T) {
	conf := baseConf + "fee=1\npaymentaddress=nowhere\n"
	f := newFixture(t, conf)
	_, reply := f.do(t, request(t, f.key, types.GetBalance, "q1", "BLOCK", "", "addr"))
	if code(t, reply) != types.UnsupportedService || !strings.Contains(reply, "This call is not supported: BLOCK::xrGetBalance") {
		t.Fatalf("reply %s", reply)
	}
	if f.peers.of(client) != 0 {
		t.Fatalf("unsupported call penalized")
	}
}

func TestTooManyParameters(t *testing.T) {
	f := newFixture(t, baseConf+"fetchlimit=2\n")
	_, reply := f.do(t, request(t, f.key, types.GetBlocks, "q1", "BLOCK", "", "a", "b", "c"))
	if code(t, reply) != types.BadRequest || !strings.Contains(reply, "max is 2") {
		t.Fatalf("reply %s", reply)
	}
	if got := f.peers.of(client); got != dosBadRequest {
		t.Fatalf("oversized parameter count scored %d", got)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, baseConf+"clientrequestlimit=60000\n")
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", "")); types.HasError(reply) {
		t.Fatalf("first request: %s", reply)
	}
	_, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q2", "BLOCK", ""))
	if code(t, reply) != types.TooManyRequests {
		t.Fatalf("reply %s", reply)
	}
	if f.peers.of(client) != dosRateLimit {
		t.Fatalf("points %d", f.peers.of(client))
	}
}

func TestGetReply(t *testing.T) {
	f := newFixture(t, baseConf)
	_, first := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", ""))
	_, cached := f.do(t, request(t, f.key, types.GetReply, "q1", "BLOCK", ""))
	if cached != first {
		t.Fatalf("cached %s, want %s", cached, first)
	}
	_, missing := f.do(t, request(t, f.key, types.GetReply, "nope", "BLOCK", ""))
	if code(t, missing) != types.InvalidParameters || !strings.Contains(missing, "Unknown query id: nope") {
		t.Fatalf("missing %s", missing)
	}

	f.srv.now = func() time.Time { return time.Now().Add(ReplyRetention + time.Second) }
	if n := f.srv.replies.prune(); n != 1 {
		t.Fatalf("pruned %d", n)
	}
}

func TestBlockHashParsing(t *testing.T) {
	f := newFixture(t, baseConf)
	if _, reply := f.do(t, request(t, f.key, types.GetBlockHash, "q1", "BLOCK", "", "0x10")); reply != `{"result":"00ff"}` {
		t.Fatalf("reply %s", reply)
	}
	f.do(t, request(t, f.key, types.GetBlockHash, "q2", "BLOCK", "", "17"))
	if len(f.conn.heights) != 2 || f.conn.heights[0] != 16 || f.conn.heights[1] != 17 {
		t.Fatalf("heights %v", f.conn.heights)
	}
	if _, reply := f.do(t, request(t, f.key, types.GetBlockHash, "q3", "BLOCK", "", "abc")); code(t, reply) != types.InvalidParameters {
		t.Fatalf("reply %s", reply)
	}
	if _, reply := f.do(t, request(t, f.key, types.GetBlockHash, "q4", "BLOCK", "")); code(t, reply) != types.InvalidParameters {
		t.Fatalf("reply %s", reply)
	}
}

func TestBackendPanicRecovered(t *testing.T) {
	f := newFixture(t, baseConf)
	f.conn.panics = true
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", "")); code(t, reply) != types.InternalServerError {
		t.Fatalf("reply %s", reply)
	}
	if f.peers.of(client) != dosBadRequest {
		t.Fatalf("points %d", f.peers.of(client))
	}
}

func TestUntypedBackendError(t *testing.T) {
	f := newFixture(t, baseConf)
	f.conn.err = errors.New("connection reset")
	_, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", ""))
	if code(t, reply) != types.BadConnector || !strings.Contains(reply, "Bad connector for BLOCK::xrGetBlockCount") {
		t.Fatalf("reply %s", reply)
	}
}

func TestNoConnector(t *testing.T) {
	f := newFixture(t, "[Main]\nwallets=BLOCK,SYS\n")
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "SYS", "")); code(t, reply) != types.BadConnector {
		t.Fatalf("reply %s", reply)
	}
}

func TestPerCurrencyLocks(t *testing.T) {
	f := newFixture(t, "[Main]\nwallets=BLOCK,SYS\n")
	gate := make(chan struct{})
	f.conn.gate = gate
	f.srv.AddConnector(&fakeConn{currency: "SYS", count: "7"})

	done := make(chan string, 1)
	go func() {
		_, reply, _ := f.srv.Process(context.Background(), client, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", ""))
		done <- reply
	}()
	_, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q2", "SYS", ""))
	if reply != `{"result":7}` {
		t.Fatalf("SYS reply %s", reply)
	}
	select {
	case <-done:
		t.Fatalf("BLOCK call finished before its backend answered")
	default:
	}
	close(gate)
	select {
	case r := <-done:
		if r != `{"result":42}` {
			t.Fatalf("BLOCK reply %s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("BLOCK call stuck")
	}
}

func TestPluginCall(t *testing.T) {
	f := newFixture(t, baseConf)
	ps, err := core.ParsePluginSettings("parameters=string\nprivate::type=response\nresponse={\"hello\":\"world\"}\n")
	if err != nil {
		t.Fatalf("plugin: %v", err)
	}
	f.srv.Settings().AddPlugin("Hello", ps)

	if _, reply := f.do(t, request(t, f.key, types.Service, "p1", "Hello", "", "x")); reply != `{"result":{"hello":"world"}}` {
		t.Fatalf("reply %s", reply)
	}
	if _, reply := f.do(t, request(t, f.key, types.Service, "p2", "Hello", "")); code(t, reply) != types.InvalidParameters {
		t.Fatalf("reply %s", reply)
	}
	if _, reply := f.do(t, request(t, f.key, types.Service, "p3", "Nope", "")); code(t, reply) != types.UnsupportedService {
		t.Fatalf("reply %s", reply)
	}
}

func btc(f float64) btcutil.Amount {
	a, _ := btcutil.NewAmount(f)
	return a
}

func TestFeeCollectedOnlyAfterSuccess(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	l := payment.NewMemLedger(params)
	from, _ := l.NewAddress()
	if _, err := l.Fund(from, btc(1)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	payTo, _ := l.NewAddress()
	conf := baseConf + "fee=0.1\npaymentaddress=" + payTo.EncodeAddress() + "\n"
	f := newFixture(t, conf, WithPayments(payment.New(l, params)))
	wallet := payment.New(l, params)
	ctx := context.Background()

	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q0", "BLOCK", "")); code(t, reply) != types.InsufficientFee {
		t.Fatalf("unpaid call %s", reply)
	}
	if f.peers.of(client) != dosBadFee {
		t.Fatalf("points %d", f.peers.of(client))
	}

	raw, err := wallet.CreatePayment(ctx, payTo.EncodeAddress(), btc(0.1))
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	f.conn.err = types.NewError(types.BadRequest, "backend refused")
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q1", "BLOCK", raw)); code(t, reply) != types.BadRequest {
		t.Fatalf("failed call %s", reply)
	}
	if len(l.Broadcasted()) != 0 {
		t.Fatalf("fee collected for a failed call")
	}

	f.conn.err = nil
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q2", "BLOCK", raw)); reply != `{"result":42}` {
		t.Fatalf("paid call %s", reply)
	}
	if len(l.Broadcasted()) != 1 || l.Received(payTo.EncodeAddress()) != btc(0.1) {
		t.Fatalf("fee not collected")
	}
	if _, reply := f.do(t, request(t, f.key, types.GetBlockCount, "q3", "BLOCK", raw)); code(t, reply) != types.InsufficientFee {
		t.Fatalf("reused fee %s", reply)
	}
}
