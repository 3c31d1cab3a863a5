// SPDX-License-Identifier: MIT
// Dev: KryperAI

package connector

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/rpcclient"
)

// Btc is a connector for bitcoind-compatible wallets. Requests go through
// btcd's rpcclient in HTTP POST mode as raw calls, so the wallet's reply
// JSON is passed on untouched.
type Btc struct {
	currency string
	rpc      *rpcclient.Client
}

// NewBtc targets the wallet at host ("ip:port"). No connection is made
// until the first call.
func NewBtc(currency, host, user, pass string) (*Btc, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet rpc %s: %w", currency, err)
	}
	return &Btc{currency: currency, rpc: client}, nil
}

func btcHost(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

func (b *Btc) Currency() string { return b.currency }

// raw runs method and returns the "result" member. rpcclient retries
// unreachable wallets on its own; ctx bounds the wait.
func (b *Btc) raw(ctx context.Context, method string, params ...interface{}) (stdjson.RawMessage, error) {
	args := make([]stdjson.RawMessage, 0, len(params))
	for _, p := range params {
		enc, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		args = append(args, enc)
	}
	fut := b.rpc.RawRequestAsync(method, args)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-fut:
		done := make(chan *rpcclient.Response, 1)
		done <- resp
		return rpcclient.FutureRawResult(done).Receive()
	}
}

func (b *Btc) call(ctx context.Context, method string, params ...interface{}) (string, error) {
	res, err := b.raw(ctx, method, params...)
	if err != nil {
		return "", backendError(err)
	}
	if len(res) == 0 {
		return "null", nil
	}
	return string(res), nil
}

func (b *Btc) GetBlockCount(ctx context.Context) (string, error) {
	return b.call(ctx, "getblockcount")
}

func (b *Btc) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return b.call(ctx, "getblockhash", height)
}

func (b *Btc) GetBlock(ctx context.Context, hash string) (string, error) {
	return b.call(ctx, "getblock", hash)
}

func (b *Btc) GetBlocks(ctx context.Context, hashes []string) (string, error) {
	return collect(ctx, hashes, b.GetBlock)
}

// GetTransaction fetches the raw transaction and returns its decoded form.
func (b *Btc) GetTransaction(ctx context.Context, txid string) (string, error) {
	raw, err := b.raw(ctx, "getrawtransaction", txid)
	if err != nil {
		return "", backendError(err)
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", backendError(ErrBadResponse)
	}
	return b.DecodeRawTransaction(ctx, hex)
}

func (b *Btc) GetTransactions(ctx context.Context, txids []string) (string, error) {
	return collect(ctx, txids, b.GetTransaction)
}

func (b *Btc) DecodeRawTransaction(ctx context.Context, rawtx string) (string, error) {
	return b.call(ctx, "decoderawtransaction", rawtx)
}

func (b *Btc) SendTransaction(ctx context.Context, rawtx string) (string, error) {
	return b.call(ctx, "sendrawtransaction", rawtx)
}

func (b *Btc) Close() {
	b.rpc.Shutdown()
}
