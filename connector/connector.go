// SPDX-License-Identifier: MIT
// Dev: KryperAI

// Package connector talks to the blockchain backends a service node
// advertises as wallets.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"

	"xrouter/core"
	"xrouter/types"
)

// Connector answers wallet commands for one currency. Every method returns
// the backend's result as JSON text.
type Connector interface {
	Currency() string
	GetBlockCount(ctx context.Context) (string, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string) (string, error)
	GetBlocks(ctx context.Context, hashes []string) (string, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	GetTransactions(ctx context.Context, txids []string) (string, error)
	DecodeRawTransaction(ctx context.Context, rawtx string) (string, error)
	SendTransaction(ctx context.Context, rawtx string) (string, error)
	Close()
}

// New builds the connector described by b.
func New(b core.WalletBackend) (Connector, error) {
	if b.Port == 0 {
		return nil, types.NewError(types.BadConnector, "missing rpc port for %s", b.Currency)
	}
	switch strings.ToLower(b.Type) {
	case "eth", "ether", "ethereum":
		url := fmt.Sprintf("http://%s:%d", b.Host, b.Port)
		return DialEth(context.Background(), b.Currency, url)
	case "", "btc", "bitcoin":
		return NewBtc(b.Currency, btcHost(b.Host, b.Port), b.User, b.Password)
	}
	return nil, types.NewError(types.UnsupportedBlockchain, "unsupported backend type %q for %s", b.Type, b.Currency)
}

// backendError gives a backend failure a wire code. Errors reported by the
// backend itself are the caller's fault; transport failures are ours.
func backendError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return types.NewError(types.BadRequest, "%s", rpcErr.Message)
	}
	var walletErr *btcjson.RPCError
	if errors.As(err, &walletErr) {
		return types.NewError(types.BadRequest, "%s", walletErr.Message)
	}
	var xe *types.Error
	if errors.As(err, &xe) {
		return err
	}
	return types.NewError(types.InternalServerError, "%s", err.Error())
}

// collect calls fn for each id and joins the results into a JSON array.
func collect(ctx context.Context, ids []string, fn func(context.Context, string) (string, error)) (string, error) {
	if len(ids) == 0 {
		return "", types.NewError(types.InvalidParameters, "missing parameters")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		res, err := fn(ctx, id)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(types.RawJSON(res))
	}
	b.WriteByte(']')
	return b.String(), nil
}
