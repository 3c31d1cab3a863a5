// SPDX-License-Identifier: MIT
// Dev: KryperAI

package types

import (
	"errors"
	"fmt"
)

// Code is the stable numeric error code carried in replies.
type Code int

const (
	Success               Code = 0
	Unauthorized          Code = 1001
	InternalServerError   Code = 1002
	ServerTimeout         Code = 1003
	BadRequest            Code = 1004
	BadVersion            Code = 1005
	BadConnector          Code = 1018
	InvalidParameters     Code = 1025
	BadAddress            Code = 1026
	InsufficientFunds     Code = 1027
	InsufficientFee       Code = 1028
	ExpiredPaymentChannel Code = 1029
	UnsupportedBlockchain Code = 1030
	UnsupportedService    Code = 1031
	NotEnoughNodes        Code = 1032
	MaxFeeTooLow          Code = 1033
	TooManyRequests       Code = 1034
	NoReplies             Code = 1035
	BadSignature          Code = 1036
)

// Error is an error with a wire code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// NewError formats a coded error.
func NewError(code Code, format string, args ...any) *Error {
	if len(args) == 0 {
		return &Error{Code: code, Msg: format}
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or InternalServerError for
// errors without one.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return InternalServerError
}

// Packet decoding errors.
var (
	ErrShortPacket   = errors.New("packet shorter than header")
	ErrBodyLength    = errors.New("packet body length mismatch")
	ErrBodyOverrun   = errors.New("read past end of packet body")
	ErrUnterminated  = errors.New("unterminated string in packet body")
	ErrUnsigned      = errors.New("packet signature does not verify")
	ErrNilPrivateKey = errors.New("nil private key")
)
