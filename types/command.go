// SPDX-License-Identifier: MIT
// Dev: KryperAI

package types

// Command identifies the operation carried by a packet.
type Command uint32

const (
	Invalid Command = iota
	Reply
	ConfigReply
	GetReply
	GetBlockCount
	GetBlockHash
	GetBlock
	GetTransaction
	GetBlocks
	GetTransactions
	GetBalance
	GetBlockAtTime
	GetTxBloomFilter
	SendTransaction
	DecodeRawTransaction
	Service
	GenerateBloomFilter
	GetConfig
)

var commandNames = map[Command]string{
	Invalid:              "xrInvalid",
	Reply:                "xrReply",
	ConfigReply:          "xrConfigReply",
	GetReply:             "xrGetReply",
	GetBlockCount:        "xrGetBlockCount",
	GetBlockHash:         "xrGetBlockHash",
	GetBlock:             "xrGetBlock",
	GetTransaction:       "xrGetTransaction",
	GetBlocks:            "xrGetBlocks",
	GetTransactions:      "xrGetTransactions",
	GetBalance:           "xrGetBalance",
	GetBlockAtTime:       "xrGetBlockAtTime",
	GetTxBloomFilter:     "xrGetTxBloomFilter",
	SendTransaction:      "xrSendTransaction",
	DecodeRawTransaction: "xrDecodeRawTransaction",
	Service:              "xrService",
	GenerateBloomFilter:  "xrGenerateBloomFilter",
	GetConfig:            "xrGetConfig",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return commandNames[Invalid]
}

// CommandFromString parses the "xr"-prefixed name of a command. Unknown
// names map to Invalid.
func CommandFromString(s string) Command {
	for c, name := range commandNames {
		if name == s {
			return c
		}
	}
	return Invalid
}

// IsValid reports whether c is a known command.
func (c Command) IsValid() bool {
	_, ok := commandNames[c]
	return ok && c != Invalid
}

// IsWallet reports whether c is routed to a per-currency wallet connector.
func (c Command) IsWallet() bool {
	switch c {
	case GetBlockCount, GetBlockHash, GetBlock, GetTransaction, GetBlocks,
		GetTransactions, GetBalance, GetBlockAtTime, GetTxBloomFilter,
		SendTransaction, DecodeRawTransaction, GenerateBloomFilter, GetReply:
		return true
	}
	return false
}

// IsUnsupported reports commands that are recognized but never executed or
// charged by a service node.
func (c Command) IsUnsupported() bool {
	switch c {
	case GetBalance, GetBlockAtTime, GetTxBloomFilter, GenerateBloomFilter:
		return true
	}
	return false
}

// WalletCommands lists commands that a node may advertise per wallet.
func WalletCommands() []Command {
	return []Command{
		GetBlockCount, GetBlockHash, GetBlock, GetTransaction, GetBlocks,
		GetTransactions, GetBalance, GetBlockAtTime, GetTxBloomFilter,
		SendTransaction, DecodeRawTransaction,
	}
}

