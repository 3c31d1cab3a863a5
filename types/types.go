// SPDX-License-Identifier: MIT
// Dev KryperAI

package types

import (
	"encoding/hex"
)

// =========================
// Hash type (32 bytes)
// =========================

type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// =========================
// Peer identity
// =========================

// PeerAddress identifies a remote node by "ip:port". It is the key of every
// per-peer map.
type PeerAddress string

func (a PeerAddress) String() string {
	return string(a)
}

// ServiceNode is an entry of the service node directory.
type ServiceNode struct {
	Address           PeerAddress `json:"address"`
	Pubkey            string      `json:"pubkey"`
	CollateralAddress string      `json:"collateral_address"`
	PaymentAddress    string      `json:"payment_address"`
	Services          []string    `json:"services"`
}

// Advertises reports whether the node lists the fully qualified service or
// its wallet.
func (s ServiceNode) Advertises(cmd Command, service string) bool {
	want := PluginCommandKey(service)
	if cmd != Service {
		want = WalletKey(service)
	}
	for _, svc := range s.Services {
		if svc == want {
			return true
		}
	}
	return false
}
