// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	uberatomic "go.uber.org/atomic"

	"xrouter/types"
)

const alpn = "xrouter-quic"

// Link is an established connection to one remote node.
type Link interface {
	RemoteAddr() types.PeerAddress
	Send(ctx context.Context, channel string, payload []byte) error
	Close() error
	Done() <-chan struct{}
}

// Receiver is called for every frame arriving on a link.
type Receiver func(link Link, channel string, payload []byte)

// Transport dials and accepts links.
type Transport interface {
	Start(recv Receiver) error
	Dial(ctx context.Context, addr types.PeerAddress) (Link, error)
	Close() error
}

// QUICTransport carries frames over QUIC, one stream per frame.
type QUICTransport struct {
	listenAddr string
	insecure   bool
	quicConf   *quic.Config

	mu       sync.Mutex
	recv     Receiver
	listener *quic.Listener
	conns    map[*quic.Conn]struct{}
	closed   uberatomic.Bool
	wg       sync.WaitGroup
}

// NewQUICTransport listens on listenAddr once started. An empty address
// makes a dial-only transport.
func NewQUICTransport(listenAddr string, insecure bool) *QUICTransport {
	return &QUICTransport{
		listenAddr: listenAddr,
		insecure:   insecure,
		quicConf: &quic.Config{
			MaxIdleTimeout:  2 * time.Minute,
			KeepAlivePeriod: 20 * time.Second,
		},
		conns: make(map[*quic.Conn]struct{}),
	}
}

func (t *QUICTransport) Start(recv Receiver) error {
	t.mu.Lock()
	t.recv = recv
	t.mu.Unlock()
	if t.listenAddr == "" {
		return nil
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(t.listenAddr, tlsConf, t.quicConf)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	log.Printf("p2p: quic listening on %s", ln.Addr())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				if !t.closed.Load() {
					log.Printf("p2p: quic accept error: %v", err)
				}
				return
			}
			link := t.track(conn, types.PeerAddress(conn.RemoteAddr().String()))
			t.serve(link)
		}
	}()
	return nil
}

// Addr returns the bound listen address, if listening.
func (t *QUICTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *QUICTransport) Dial(ctx context.Context, addr types.PeerAddress) (Link, error) {
	if t.closed.Load() {
		return nil, errors.New("p2p: transport closed")
	}
	tlsConf, err := clientTLSConfig(t.insecure)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, string(addr), tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	link := t.track(conn, addr)
	t.serve(link)
	return link, nil
}

func (t *QUICTransport) track(conn *quic.Conn, remote types.PeerAddress) *quicLink {
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()
	return &quicLink{conn: conn, remote: remote}
}

// serve reads frames from every stream the remote opens on link.
func (t *QUICTransport) serve(link *quicLink) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.conns, link.conn)
			t.mu.Unlock()
		}()
		for {
			stream, err := link.conn.AcceptStream(context.Background())
			if err != nil {
				return
			}
			go func(s *quic.Stream) {
				defer s.Close()
				_ = s.SetReadDeadline(time.Now().Add(30 * time.Second))
				channel, payload, err := ReadFrame(s)
				if err != nil {
					log.Printf("p2p: bad frame from %s: %v", link.remote, err)
					return
				}
				t.mu.Lock()
				recv := t.recv
				t.mu.Unlock()
				if recv != nil {
					recv(link, channel, payload)
				}
			}(stream)
		}
	}()
}

func (t *QUICTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	ln := t.listener
	conns := make([]*quic.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	t.wg.Wait()
	return err
}

type quicLink struct {
	conn   *quic.Conn
	remote types.PeerAddress
}

func (l *quicLink) RemoteAddr() types.PeerAddress { return l.remote }

func (l *quicLink) Send(ctx context.Context, channel string, payload []byte) error {
	stream, err := l.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(dl)
	}
	if err := WriteFrame(stream, channel, payload); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func (l *quicLink) Close() error {
	return l.conn.CloseWithError(0, "")
}

func (l *quicLink) Done() <-chan struct{} {
	return l.conn.Context().Done()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// The TLS layer only encrypts; node identity comes from packet signatures,
// so every node presents the same deterministic self-signed certificate.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("xrouter-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpn},
	}, nil
}
