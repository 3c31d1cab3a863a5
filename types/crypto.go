// SPDX-License-Identifier: MIT
// Dev KryperAI

package types

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// GenerateKey creates a new secp256k1 node key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ethcrypto.GenerateKey()
}

// PrivateKeyToHex exports the private key as hex string (without 0x prefix).
func PrivateKeyToHex(priv *ecdsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", ErrNilPrivateKey
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(priv)), nil
}

// PrivateKeyFromHex parses a hex-encoded private key. A 0x prefix is allowed.
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("empty key string")
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return ethcrypto.ToECDSA(b)
}

// CompressedPubkey returns the 33-byte compressed public key of priv.
func CompressedPubkey(priv *ecdsa.PrivateKey) []byte {
	return ethcrypto.CompressPubkey(&priv.PublicKey)
}

// PubkeyFromHex decodes and validates a compressed public key.
func PubkeyFromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != PubkeySize {
		return nil, errors.New("public key must be 33 bytes compressed")
	}
	if _, err := ethcrypto.DecompressPubkey(b); err != nil {
		return nil, err
	}
	return b, nil
}

// signHash produces a 64-byte r||s signature over hash.
func signHash(hash Hash, priv *ecdsa.PrivateKey) ([SignatureSize]byte, error) {
	var out [SignatureSize]byte
	if priv == nil {
		return out, ErrNilPrivateKey
	}
	sig, err := ethcrypto.Sign(hash[:], priv)
	if err != nil {
		return out, err
	}
	if len(sig) != 65 {
		return out, errors.New("unexpected signature length")
	}
	copy(out[:], sig[:SignatureSize])
	return out, nil
}

// verifyHash checks a 64-byte signature against a compressed public key.
func verifyHash(pub []byte, hash Hash, sig []byte) bool {
	if len(pub) != PubkeySize || len(sig) != SignatureSize {
		return false
	}
	return ethcrypto.VerifySignature(pub, hash[:], sig)
}
