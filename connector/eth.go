// SPDX-License-Identifier: MIT
// Dev: KryperAI

package connector

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"xrouter/types"
)

// Eth is a connector for ethereum JSON-RPC nodes.
type Eth struct {
	currency string
	client   *rpc.Client
}

// DialEth connects to the node at url.
func DialEth(ctx context.Context, currency, url string) (*Eth, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, types.NewError(types.BadConnector, "cannot dial %s backend: %v", currency, err)
	}
	return &Eth{currency: currency, client: c}, nil
}

func (e *Eth) Currency() string { return e.currency }

func (e *Eth) call(ctx context.Context, method string, args ...interface{}) (stdjson.RawMessage, error) {
	var res stdjson.RawMessage
	if err := e.client.CallContext(ctx, &res, method, args...); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return nil, types.NewError(types.BadRequest, "%s", rpcErr.Error())
		}
		return nil, backendError(err)
	}
	if len(res) == 0 || string(res) == "null" {
		return nil, types.NewError(types.InvalidParameters, "%s: not found", method)
	}
	return res, nil
}

// GetBlockCount returns the head block number as a decimal.
func (e *Eth) GetBlockCount(ctx context.Context) (string, error) {
	res, err := e.call(ctx, "eth_blockNumber")
	if err != nil {
		return "", err
	}
	var n hexutil.Uint64
	if err := n.UnmarshalJSON(res); err != nil {
		return "", backendError(err)
	}
	return strconv.FormatUint(uint64(n), 10), nil
}

func (e *Eth) GetBlockHash(ctx context.Context, height int64) (string, error) {
	if height < 0 {
		return "", types.NewError(types.InvalidParameters, "bad block number %d", height)
	}
	res, err := e.call(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(uint64(height)), false)
	if err != nil {
		return "", err
	}
	var head struct {
		Hash stdjson.RawMessage `json:"hash"`
	}
	if err := json.Unmarshal(res, &head); err != nil || len(head.Hash) == 0 {
		return "", backendError(ErrBadResponse)
	}
	return string(head.Hash), nil
}

func (e *Eth) GetBlock(ctx context.Context, hash string) (string, error) {
	res, err := e.call(ctx, "eth_getBlockByHash", hash, false)
	return string(res), err
}

func (e *Eth) GetBlocks(ctx context.Context, hashes []string) (string, error) {
	return collect(ctx, hashes, e.GetBlock)
}

func (e *Eth) GetTransaction(ctx context.Context, txid string) (string, error) {
	res, err := e.call(ctx, "eth_getTransactionByHash", txid)
	return string(res), err
}

func (e *Eth) GetTransactions(ctx context.Context, txids []string) (string, error) {
	return collect(ctx, txids, e.GetTransaction)
}

// DecodeRawTransaction decodes a signed RLP or typed transaction locally.
func (e *Eth) DecodeRawTransaction(_ context.Context, rawtx string) (string, error) {
	raw, err := hexutil.Decode(rawtx)
	if err != nil {
		return "", types.NewError(types.InvalidParameters, "bad transaction hex: %v", err)
	}
	var tx gethtypes.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", types.NewError(types.InvalidParameters, "bad transaction: %v", err)
	}
	out, err := tx.MarshalJSON()
	if err != nil {
		return "", backendError(err)
	}
	return string(out), nil
}

func (e *Eth) SendTransaction(ctx context.Context, rawtx string) (string, error) {
	res, err := e.call(ctx, "eth_sendRawTransaction", rawtx)
	return string(res), err
}

func (e *Eth) Close() { e.client.Close() }
