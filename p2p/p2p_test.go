package p2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	uberatomic "go.uber.org/atomic"

	"xrouter/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Channel, []byte("hello\x00world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ch, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ch != Channel || string(payload) != "hello\x00world" {
		t.Fatalf("got %q %q", ch, payload)
	}
}

func TestFrameLimits(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, "c", make([]byte, MaxFrameSize)); err != ErrFrameTooLarge {
		t.Fatalf("expected too large, got %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, _, err := ReadFrame(bytes.NewReader(hdr[:])); err != ErrFrameTooLarge {
		t.Fatalf("expected too large, got %v", err)
	}
	binary.BigEndian.PutUint32(hdr[:], 3)
	if _, _, err := ReadFrame(bytes.NewReader(append(hdr[:], 'a', 'b', 'c'))); err != ErrBadFrame {
		t.Fatalf("expected bad frame, got %v", err)
	}
	if _, _, err := ReadFrame(bytes.NewReader(append(hdr[:], 'a'))); err == nil {
		t.Fatalf("expected short frame error")
	}
}

func TestPendingConnMgr(t *testing.T) {
	m := NewPendingConnMgr()
	const a types.PeerAddress = "1.1.1.1:1"
	if !m.Add(a) || m.Add(a) || !m.Has(a) {
		t.Fatalf("second add must fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if m.Wait(ctx, a) {
		t.Fatalf("wait should time out")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Notify(a)
	}()
	if !m.Wait(context.Background(), a) {
		t.Fatalf("wait should be woken")
	}
	m.Notify(a)
	if !m.Add(a) {
		t.Fatalf("slot should be free after notify")
	}
}

type countingTransport struct {
	Transport
	dials uberatomic.Int32
}

func (c *countingTransport) Dial(ctx context.Context, addr types.PeerAddress) (Link, error) {
	c.dials.Inc()
	time.Sleep(10 * time.Millisecond)
	return c.Transport.Dial(ctx, addr)
}

func TestOpenConnectionDeduplicates(t *testing.T) {
	net := NewMemNetwork()
	server := NewManager(net.Transport("srv:1"))
	if err := server.Start(func(*Peer, string, []byte) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ct := &countingTransport{Transport: net.Transport("cli:1")}
	client := NewManager(ct)
	_ = client.Start(nil)

	var wg sync.WaitGroup
	peers := make([]*Peer, 8)
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := client.OpenConnection(context.Background(), "srv:1")
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			peers[i] = p
		}(i)
	}
	wg.Wait()
	if ct.dials.Load() != 1 {
		t.Fatalf("dialed %d times", ct.dials.Load())
	}
	for _, p := range peers {
		if p != peers[0] {
			t.Fatalf("expected one shared peer")
		}
		p.Release()
	}
	if peers[0].Refs() != 0 {
		t.Fatalf("refs %d", peers[0].Refs())
	}
}

func TestSendAndReplyOverMemNetwork(t *testing.T) {
	net := NewMemNetwork()
	server := NewManager(net.Transport("srv:1"))
	_ = server.Start(func(p *Peer, ch string, payload []byte) {
		_ = p.SendRaw(context.Background(), ch, append([]byte("echo:"), payload...))
	})
	got := make(chan string, 1)
	client := NewManager(net.Transport("cli:1"))
	_ = client.Start(func(p *Peer, ch string, payload []byte) {
		if p.Addr() != "srv:1" {
			t.Errorf("reply from %s", p.Addr())
		}
		got <- string(payload)
	})

	p, err := client.OpenConnection(context.Background(), "srv:1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Release()
	if err := p.SendRaw(context.Background(), Channel, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case r := <-got:
		if r != "echo:ping" {
			t.Fatalf("got %q", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}
	if _, err := client.OpenConnection(context.Background(), "nobody:1"); err == nil {
		t.Fatalf("expected connection refused")
	}
}

func TestRefCountDefersClose(t *testing.T) {
	net := NewMemNetwork()
	_ = NewManager(net.Transport("srv:1")).Start(func(*Peer, string, []byte) {})
	client := NewManager(net.Transport("cli:1"))
	_ = client.Start(nil)

	p, err := client.OpenConnection(context.Background(), "srv:1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	client.Disconnect("srv:1")
	if !p.Disconnecting() || p.SuccessfullyConnected() {
		t.Fatalf("peer should be disconnecting")
	}
	select {
	case <-p.link.Done():
		t.Fatalf("link closed while referenced")
	default:
	}
	p.Release()
	select {
	case <-p.link.Done():
	case <-time.After(time.Second):
		t.Fatalf("link not closed after last release")
	}
	if err := p.SendRaw(context.Background(), Channel, nil); err != ErrPeerClosed {
		t.Fatalf("send after disconnect: %v", err)
	}
}

func TestMisbehavingBans(t *testing.T) {
	m := NewManager(NewMemNetwork().Transport("a:1"))
	now := time.Unix(100, 0)
	m.now = func() time.Time { return now }
	const bad types.PeerAddress = "bad:1"

	if m.Misbehaving(bad, 60, "test") {
		t.Fatalf("not yet banned")
	}
	if m.MisbehaviorScore(bad) != 60 {
		t.Fatalf("score %d", m.MisbehaviorScore(bad))
	}
	if !m.Misbehaving(bad, 40, "test") || !m.IsBanned(bad) {
		t.Fatalf("expected ban at %d", BanScore)
	}
	if _, err := m.OpenConnection(context.Background(), bad); err != ErrBanned {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	now = now.Add(DefaultBanDuration + time.Second)
	if m.IsBanned(bad) {
		t.Fatalf("ban should expire")
	}
}

func TestDirectoryFileAndHTTP(t *testing.T) {
	doc := `[{"address":"10.0.0.2:41412","pubkey":"02bb","payment_address":"pay2","services":["xr::BTC"]},
	{"address":"10.0.0.1:41412","pubkey":"02aa","services":["xrs::Echo"]}]`

	path := filepath.Join(t.TempDir(), "snodes.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	nodes := d.ServiceNodes()
	if len(nodes) != 2 || nodes[0].Address != "10.0.0.1:41412" {
		t.Fatalf("nodes %+v", nodes)
	}
	if n, ok := d.ByPubkey("02BB"); !ok || n.PaymentAddress != "pay2" {
		t.Fatalf("by pubkey")
	}
	if !nodes[1].Advertises(types.GetBlockCount, "BTC") || nodes[1].Advertises(types.Service, "Echo") {
		t.Fatalf("advertises")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()
	d2, err := LoadDirectory(srv.URL)
	if err != nil {
		t.Fatalf("http load: %v", err)
	}
	if _, ok := d2.Get("10.0.0.2:41412"); !ok {
		t.Fatalf("http directory missing node")
	}

	if _, err := parseDirectory([]byte(`[{"address":"x"}]`)); err == nil {
		t.Fatalf("expected missing pubkey error")
	}
	empty, err := LoadDirectory(filepath.Join(t.TempDir(), "none.json"))
	if err != nil || len(empty.ServiceNodes()) != 0 {
		t.Fatalf("missing file should give empty directory")
	}
}

func TestQUICLoopback(t *testing.T) {
	srv := NewQUICTransport("127.0.0.1:0", false)
	got := make(chan string, 1)
	if err := srv.Start(func(l Link, ch string, payload []byte) {
		got <- ch + ":" + string(payload)
	}); err != nil {
		t.Skipf("quic listen unavailable: %v", err)
	}
	defer srv.Close()

	cli := NewQUICTransport("", false)
	_ = cli.Start(nil)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link, err := cli.Dial(ctx, types.PeerAddress(srv.Addr().String()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := link.Send(ctx, Channel, []byte("pkt")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case r := <-got:
		if r != "xrouter:pkt" {
			t.Fatalf("got %q", r)
		}
	case <-ctx.Done():
		t.Fatalf("no frame received")
	}
}
