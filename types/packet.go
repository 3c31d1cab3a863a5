// SPDX-License-Identifier: MIT
// Dev: KryperAI

package types

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// ProtocolVersion is the wire version a node speaks.
const ProtocolVersion uint32 = 50

// Header layout sizes.
const (
	UUIDSize      = 36
	PubkeySize    = 33
	SignatureSize = 64
	HeaderSize    = 4*4 + 8 + UUIDSize + PubkeySize + SignatureSize

	offVersion   = 0
	offCommand   = 4
	offTimestamp = 8
	offBodyLen   = 12
	offReserved  = 16
	offUUID      = 24
	offPubkey    = offUUID + UUIDSize
	offSignature = offPubkey + PubkeySize
)

// Packet is a signed request or reply. All integers are little-endian.
type Packet struct {
	Version   uint32
	Command   Command
	Timestamp uint32
	Reserved  uint64
	UUID      string
	Pubkey    [PubkeySize]byte
	Signature [SignatureSize]byte

	body []byte
}

// NewPacket starts a packet for cmd correlated by uuid.
func NewPacket(cmd Command, uuid string) *Packet {
	if len(uuid) > UUIDSize {
		uuid = uuid[:UUIDSize]
	}
	return &Packet{
		Version:   ProtocolVersion,
		Command:   cmd,
		Timestamp: uint32(time.Now().Unix()),
		UUID:      uuid,
	}
}

// BodyLength is the length of the payload.
func (p *Packet) BodyLength() uint32 {
	return uint32(len(p.body))
}

// Body returns the payload.
func (p *Packet) Body() []byte {
	return p.body
}

// Size is the full encoded length.
func (p *Packet) Size() int {
	return HeaderSize + len(p.body)
}

// AppendUint32 appends v. Appending to a signed packet drops its signature.
func (p *Packet) AppendUint32(v uint32) *Packet {
	p.unsign()
	p.body = binary.LittleEndian.AppendUint32(p.body, v)
	return p
}

// AppendString appends s followed by a NUL byte.
func (p *Packet) AppendString(s string) *Packet {
	p.unsign()
	p.body = append(p.body, s...)
	p.body = append(p.body, 0)
	return p
}

// AppendBytes appends b prefixed by its u32 length.
func (p *Packet) AppendBytes(b []byte) *Packet {
	p.AppendUint32(uint32(len(b)))
	p.body = append(p.body, b...)
	return p
}

func (p *Packet) unsign() {
	p.Signature = [SignatureSize]byte{}
}

// Bytes encodes header and body.
func (p *Packet) Bytes() []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(p.body))
	binary.LittleEndian.PutUint32(out[offVersion:], p.Version)
	binary.LittleEndian.PutUint32(out[offCommand:], uint32(p.Command))
	binary.LittleEndian.PutUint32(out[offTimestamp:], p.Timestamp)
	binary.LittleEndian.PutUint32(out[offBodyLen:], uint32(len(p.body)))
	binary.LittleEndian.PutUint64(out[offReserved:], p.Reserved)
	copy(out[offUUID:offUUID+UUIDSize], p.UUID)
	copy(out[offPubkey:offPubkey+PubkeySize], p.Pubkey[:])
	copy(out[offSignature:offSignature+SignatureSize], p.Signature[:])
	return append(out, p.body...)
}

// Hash is sha256 over the encoded packet with the signature zeroed.
func (p *Packet) Hash() Hash {
	raw := p.Bytes()
	clear(raw[offSignature : offSignature+SignatureSize])
	return sha256.Sum256(raw)
}

// Sign embeds the compressed public key of priv and signs the packet. The
// result is verified before returning; on failure the signature is cleared.
func (p *Packet) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return ErrNilPrivateKey
	}
	copy(p.Pubkey[:], CompressedPubkey(priv))
	p.unsign()
	sig, err := signHash(p.Hash(), priv)
	if err != nil {
		return err
	}
	p.Signature = sig
	if !p.Verify(nil) {
		p.unsign()
		return ErrUnsigned
	}
	return nil
}

// Verify checks the signature against the embedded public key and, when
// expected is non-nil, that the embedded key equals expected.
func (p *Packet) Verify(expected []byte) bool {
	if expected != nil && !bytes.Equal(expected, p.Pubkey[:]) {
		return false
	}
	return verifyHash(p.Pubkey[:], p.Hash(), p.Signature[:])
}

// DecodePacket parses raw bytes. The body is copied.
func DecodePacket(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, ErrShortPacket
	}
	bodyLen := binary.LittleEndian.Uint32(raw[offBodyLen:])
	if uint64(bodyLen) != uint64(len(raw)-HeaderSize) {
		return nil, ErrBodyLength
	}
	p := &Packet{
		Version:   binary.LittleEndian.Uint32(raw[offVersion:]),
		Command:   Command(binary.LittleEndian.Uint32(raw[offCommand:])),
		Timestamp: binary.LittleEndian.Uint32(raw[offTimestamp:]),
		Reserved:  binary.LittleEndian.Uint64(raw[offReserved:]),
		UUID:      string(bytes.TrimRight(raw[offUUID:offUUID+UUIDSize], "\x00")),
	}
	copy(p.Pubkey[:], raw[offPubkey:offPubkey+PubkeySize])
	copy(p.Signature[:], raw[offSignature:offSignature+SignatureSize])
	p.body = append([]byte(nil), raw[HeaderSize:]...)
	return p, nil
}

// Reader returns a cursor over the body.
func (p *Packet) Reader() *BodyReader {
	return &BodyReader{buf: p.body}
}

// BodyReader reads fields appended by the Append methods.
type BodyReader struct {
	buf []byte
	off int
}

// Remaining is the number of unread bytes.
func (r *BodyReader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *BodyReader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrBodyOverrun
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *BodyReader) ReadString() (string, error) {
	if r.Remaining() <= 0 {
		return "", ErrBodyOverrun
	}
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		return "", ErrUnterminated
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s, nil
}

func (r *BodyReader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < uint64(n) {
		return nil, ErrBodyOverrun
	}
	b := append([]byte(nil), r.buf[r.off:r.off+int(n)]...)
	r.off += int(n)
	return b, nil
}

// Request is the decoded body of a wallet or service call.
type Request struct {
	Service string
	FeeTx   string
	Params  []string
}

// AppendRequest writes service, fee transaction, parameter count and
// parameters into the body.
func (p *Packet) AppendRequest(req Request) *Packet {
	p.AppendString(req.Service)
	p.AppendString(req.FeeTx)
	p.AppendUint32(uint32(len(req.Params)))
	for _, param := range req.Params {
		p.AppendString(param)
	}
	return p
}

// ReadRequestHeader reads service, fee transaction and declared parameter
// count, leaving the reader positioned at the first parameter.
func (r *BodyReader) ReadRequestHeader() (service, feeTx string, count uint32, err error) {
	if service, err = r.ReadString(); err != nil {
		return
	}
	if feeTx, err = r.ReadString(); err != nil {
		return
	}
	count, err = r.ReadUint32()
	return
}

// ReadParams reads count NUL-terminated parameters.
func (r *BodyReader) ReadParams(count uint32) ([]string, error) {
	if uint64(count) > uint64(r.Remaining()) {
		return nil, ErrBodyOverrun
	}
	params := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		params = append(params, s)
	}
	return params, nil
}
