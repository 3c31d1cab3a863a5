package types

import (
	"bytes"
	"testing"
)

const testUUID = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"

func signedRequest(t *testing.T) (*Packet, []byte) {
	t.Helper()
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	p := NewPacket(GetBlockCount, testUUID)
	p.AppendRequest(Request{Service: "BLOCK", FeeTx: "", Params: []string{"a", "bc"}})
	if err := p.Sign(priv); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return p, CompressedPubkey(priv)
}

func TestPacketRoundTrip(t *testing.T) {
	p, pub := signedRequest(t)
	if !p.Verify(nil) {
		t.Fatalf("expected fresh signature to verify")
	}
	raw := p.Bytes()
	if len(raw) != HeaderSize+int(p.BodyLength()) {
		t.Fatalf("unexpected size %d", len(raw))
	}
	got, err := DecodePacket(raw)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	if got.Version != ProtocolVersion || got.Command != GetBlockCount || got.UUID != testUUID {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Timestamp != p.Timestamp || !bytes.Equal(got.Body(), p.Body()) {
		t.Fatalf("body mismatch")
	}
	if !got.Verify(pub) {
		t.Fatalf("decoded packet should verify against signer key")
	}
	svc, fee, n, err := got.Reader().ReadRequestHeader()
	if err != nil || svc != "BLOCK" || fee != "" || n != 2 {
		t.Fatalf("request header mismatch: %q %q %d %v", svc, fee, n, err)
	}
}

func TestPacketHeaderSize(t *testing.T) {
	if HeaderSize != 157 {
		t.Fatalf("header size %d", HeaderSize)
	}
}

func TestPacketVerifyExpectedKey(t *testing.T) {
	p, _ := signedRequest(t)
	other, _ := GenerateKey()
	if p.Verify(CompressedPubkey(other)) {
		t.Fatalf("expected mismatch against a different key")
	}
}

func TestPacketTamperDetection(t *testing.T) {
	p, _ := signedRequest(t)
	raw := p.Bytes()
	positions := []int{offVersion, offCommand, offUUID + 3, offPubkey, offPubkey + 20, HeaderSize, len(raw) - 1}
	for _, pos := range positions {
		mut := append([]byte(nil), raw...)
		mut[pos] ^= 0x01
		got, err := DecodePacket(mut)
		if err != nil {
			t.Fatalf("decode at %d: %v", pos, err)
		}
		if got.Verify(nil) {
			t.Fatalf("flip at byte %d not detected", pos)
		}
	}
}

func TestPacketAppendAfterSignDropsSignature(t *testing.T) {
	p, _ := signedRequest(t)
	p.AppendString("late")
	if p.Verify(nil) {
		t.Fatalf("expected append to invalidate signature")
	}
}

func TestDecodeRejectsShortAndMismatched(t *testing.T) {
	p, _ := signedRequest(t)
	raw := p.Bytes()
	for n := 0; n < HeaderSize; n += 13 {
		if _, err := DecodePacket(raw[:n]); err != ErrShortPacket {
			t.Fatalf("len %d: expected ErrShortPacket, got %v", n, err)
		}
	}
	if _, err := DecodePacket(raw[:len(raw)-1]); err != ErrBodyLength {
		t.Fatalf("expected ErrBodyLength, got %v", err)
	}
	if _, err := DecodePacket(append(raw, 0)); err != ErrBodyLength {
		t.Fatalf("expected ErrBodyLength on trailing bytes, got %v", err)
	}
}

func TestBodyReaderBounds(t *testing.T) {
	p := NewPacket(Reply, testUUID)
	p.AppendBytes([]byte{1, 2, 3})
	p.AppendUint32(7)
	r := p.Reader()
	b, err := r.ReadBytes()
	if err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes: %v %v", b, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 7 {
		t.Fatalf("ReadUint32: %d %v", v, err)
	}
	if _, err := r.ReadUint32(); err != ErrBodyOverrun {
		t.Fatalf("expected overrun, got %v", err)
	}
	if _, err := r.ReadString(); err != ErrBodyOverrun {
		t.Fatalf("expected overrun on string, got %v", err)
	}

	q := NewPacket(Reply, testUUID)
	q.body = []byte("abc")
	if _, err := q.Reader().ReadString(); err != ErrUnterminated {
		t.Fatalf("expected unterminated, got %v", err)
	}
}

func TestReadParamsCountTooLarge(t *testing.T) {
	p := NewPacket(GetBlocks, testUUID)
	p.AppendString("BLOCK").AppendString("").AppendUint32(1000).AppendString("x")
	r := p.Reader()
	_, _, n, err := r.ReadRequestHeader()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := r.ReadParams(n); err == nil {
		t.Fatalf("expected error for oversized parameter count")
	}
}

func FuzzDecodePacket(f *testing.F) {
	f.Add(make([]byte, HeaderSize))
	f.Add([]byte{1, 2, 3})
	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := DecodePacket(data)
		if err != nil {
			return
		}
		r := p.Reader()
		if _, _, n, err := r.ReadRequestHeader(); err == nil {
			_, _ = r.ReadParams(n)
		}
		_ = p.Verify(nil)
	})
}
