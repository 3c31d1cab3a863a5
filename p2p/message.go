// SPDX-License-Identifier: MIT
// Dev: KryperAI

package p2p

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Channel is the message channel xrouter packets travel on.
const Channel = "xrouter"

// MaxFrameSize bounds one frame on the wire.
const MaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge = errors.New("p2p: frame too large")
	ErrBadFrame      = errors.New("p2p: malformed frame")
)

// A frame is a big-endian u32 length followed by the channel name, a NUL
// byte and the payload.

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, channel string, payload []byte) error {
	if bytes.IndexByte([]byte(channel), 0) >= 0 {
		return ErrBadFrame
	}
	size := len(channel) + 1 + len(payload)
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4, 4+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	buf = append(buf, channel...)
	buf = append(buf, 0)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (string, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return "", nil, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, fmt.Errorf("p2p: short frame: %w", err)
	}
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return "", nil, ErrBadFrame
	}
	return string(body[:i]), body[i+1:], nil
}

// EncodeFrame returns the frame bytes for channel and payload.
func EncodeFrame(channel string, payload []byte) ([]byte, error) {
	var b bytes.Buffer
	if err := WriteFrame(&b, channel, payload); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeFrame parses a single frame held in raw.
func DecodeFrame(raw []byte) (string, []byte, error) {
	return ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
}
