// SPDX-License-Identifier: MIT
// Dev: KryperAI

package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// UTXO is a spendable output of the local wallet.
type UTXO struct {
	OutPoint      wire.OutPoint
	Amount        btcutil.Amount
	PkScript      []byte
	Address       string
	Confirmations int64
}

// Ledger is the wallet and chain view the payment helper builds on.
type Ledger interface {
	ListUnspent(ctx context.Context) ([]UTXO, error)
	SignTransaction(ctx context.Context, tx *wire.MsgTx, prev []UTXO) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
	GetTransaction(ctx context.Context, hash chainhash.Hash) (*wire.MsgTx, error)
}

var ErrIncompleteSignature = errors.New("wallet could not sign all inputs")

// RPCLedger is a Ledger backed by a bitcoind-compatible wallet.
type RPCLedger struct {
	client *rpcclient.Client
}

// NewRPCLedger connects over HTTP POST to host ("ip:port").
func NewRPCLedger(host, user, pass string) (*RPCLedger, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet rpc: %w", err)
	}
	return &RPCLedger{client: client}, nil
}

func (l *RPCLedger) ListUnspent(ctx context.Context) ([]UTXO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := l.client.ListUnspent()
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}
	out := make([]UTXO, 0, len(res))
	for _, r := range res {
		hash, err := chainhash.NewHashFromStr(r.TxID)
		if err != nil {
			continue
		}
		script, err := hex.DecodeString(r.ScriptPubKey)
		if err != nil {
			continue
		}
		amount, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			continue
		}
		out = append(out, UTXO{
			OutPoint:      *wire.NewOutPoint(hash, r.Vout),
			Amount:        amount,
			PkScript:      script,
			Address:       r.Address,
			Confirmations: r.Confirmations,
		})
	}
	return out, nil
}

func (l *RPCLedger) SignTransaction(ctx context.Context, tx *wire.MsgTx, _ []UTXO) (*wire.MsgTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, complete, err := l.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, fmt.Errorf("signrawtransactionwithwallet: %w", err)
	}
	if !complete {
		return nil, ErrIncompleteSignature
	}
	return signed, nil
}

func (l *RPCLedger) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return chainhash.Hash{}, err
	}
	h, err := l.client.SendRawTransaction(tx, false)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("sendrawtransaction: %w", err)
	}
	return *h, nil
}

func (l *RPCLedger) GetTransaction(ctx context.Context, hash chainhash.Hash) (*wire.MsgTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := l.client.GetRawTransaction(&hash)
	if err != nil {
		return nil, fmt.Errorf("getrawtransaction %s: %w", hash, err)
	}
	return tx.MsgTx(), nil
}

func (l *RPCLedger) Close() {
	l.client.Shutdown()
}
