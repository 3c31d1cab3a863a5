// SPDX-License-Identifier: MIT
// Dev: KryperAI

package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Ledger errors reported by MemLedger.
var (
	ErrUnknownTx      = errors.New("no such transaction")
	ErrKnownTx        = errors.New("transaction already in chain")
	ErrMissingInputs  = errors.New("missing inputs")
	ErrSpentInputs    = errors.New("inputs already spent")
	ErrNonFinal       = errors.New("non-final transaction")
	ErrOutputsTooHigh = errors.New("outputs exceed inputs")
	ErrNoKey          = errors.New("no key for input")
)

// MemLedger is an in-process chain and key wallet. Every broadcast
// transaction is script-verified and confirmed at once. The daemon uses it
// when no wallet RPC is configured, which leaves it able to serve free
// requests only.
type MemLedger struct {
	mu      sync.Mutex
	params  *chaincfg.Params
	keys    map[string]*btcec.PrivateKey
	outputs map[wire.OutPoint]*wire.TxOut
	spent   map[wire.OutPoint]bool
	txs     map[chainhash.Hash]*wire.MsgTx
	sent    []chainhash.Hash
	seq     uint32
	now     func() time.Time
}

func NewMemLedger(params *chaincfg.Params) *MemLedger {
	return &MemLedger{
		params:  params,
		keys:    make(map[string]*btcec.PrivateKey),
		outputs: make(map[wire.OutPoint]*wire.TxOut),
		spent:   make(map[wire.OutPoint]bool),
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		now:     time.Now,
	}
}

// NewAddress creates a wallet key and returns its P2PKH address.
func (l *MemLedger) NewAddress() (btcutil.Address, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return l.ImportKey(key)
}

// ImportKey adds key to the wallet.
func (l *MemLedger) ImportKey(key *btcec.PrivateKey) (btcutil.Address, error) {
	pkh := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkh, l.params)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.keys[addr.EncodeAddress()] = key
	l.mu.Unlock()
	return addr, nil
}

// Fund mints amount to addr in a transaction without inputs.
func (l *MemLedger) Fund(addr btcutil.Address, amount btcutil.Amount) (wire.OutPoint, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, l.seq), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	l.record(tx)
	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, nil
}

func (l *MemLedger) record(tx *wire.MsgTx) {
	h := tx.TxHash()
	l.txs[h] = tx
	for i, out := range tx.TxOut {
		l.outputs[wire.OutPoint{Hash: h, Index: uint32(i)}] = out
	}
}

func (l *MemLedger) owner(script []byte) (string, *btcec.PrivateKey) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, l.params)
	if err != nil || len(addrs) != 1 {
		return "", nil
	}
	a := addrs[0].EncodeAddress()
	return a, l.keys[a]
}

func (l *MemLedger) ListUnspent(context.Context) ([]UTXO, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []UTXO
	for op, txo := range l.outputs {
		if l.spent[op] {
			continue
		}
		addr, key := l.owner(txo.PkScript)
		if key == nil {
			continue
		}
		out = append(out, UTXO{
			OutPoint:      op,
			Amount:        btcutil.Amount(txo.Value),
			PkScript:      txo.PkScript,
			Address:       addr,
			Confirmations: 1,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OutPoint.String() < out[j].OutPoint.String()
	})
	return out, nil
}

func (l *MemLedger) SignTransaction(_ context.Context, tx *wire.MsgTx, _ []UTXO) (*wire.MsgTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	signed := tx.Copy()
	for i, in := range signed.TxIn {
		prev, ok := l.outputs[in.PreviousOutPoint]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInputs, in.PreviousOutPoint)
		}
		_, key := l.owner(prev.PkScript)
		if key == nil {
			return nil, fmt.Errorf("%w %d", ErrNoKey, i)
		}
		sig, err := txscript.SignatureScript(signed, i, prev.PkScript, txscript.SigHashAll, key, true)
		if err != nil {
			return nil, err
		}
		signed.TxIn[i].SignatureScript = sig
	}
	return signed, nil
}

// Broadcast verifies tx against the known outputs and confirms it.
func (l *MemLedger) Broadcast(_ context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := tx.TxHash()
	if _, ok := l.txs[h]; ok {
		return h, ErrKnownTx
	}
	if !l.final(tx) {
		return h, ErrNonFinal
	}

	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))
	var in int64
	for _, txin := range tx.TxIn {
		prev, ok := l.outputs[txin.PreviousOutPoint]
		if !ok {
			return h, ErrMissingInputs
		}
		if l.spent[txin.PreviousOutPoint] {
			return h, ErrSpentInputs
		}
		fetcher.AddPrevOut(txin.PreviousOutPoint, prev)
		in += prev.Value
	}
	var out int64
	for _, txout := range tx.TxOut {
		out += txout.Value
	}
	if out > in {
		return h, ErrOutputsTooHigh
	}

	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txin := range tx.TxIn {
		prev := l.outputs[txin.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, hashes, prev.Value, fetcher)
		if err != nil {
			return h, fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return h, fmt.Errorf("input %d: %w", i, err)
		}
	}

	for _, txin := range tx.TxIn {
		l.spent[txin.PreviousOutPoint] = true
	}
	l.record(tx.Copy())
	l.sent = append(l.sent, h)
	return h, nil
}

// final reports whether a time-locked tx may be mined now. Height locks are
// treated as satisfied.
func (l *MemLedger) final(tx *wire.MsgTx) bool {
	if tx.LockTime == 0 || tx.LockTime < txscript.LockTimeThreshold {
		return true
	}
	if int64(tx.LockTime) <= l.now().Unix() {
		return true
	}
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			return false
		}
	}
	return true
}

func (l *MemLedger) GetTransaction(_ context.Context, hash chainhash.Hash) (*wire.MsgTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[hash]
	if !ok {
		return nil, ErrUnknownTx
	}
	return tx.Copy(), nil
}

// Broadcasted lists the transactions accepted by Broadcast, oldest first.
func (l *MemLedger) Broadcasted() []chainhash.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chainhash.Hash(nil), l.sent...)
}

// Received sums the unspent outputs paying addr.
func (l *MemLedger) Received(addr string) btcutil.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total btcutil.Amount
	for op, txo := range l.outputs {
		if l.spent[op] {
			continue
		}
		if a, _ := l.owner(txo.PkScript); a == addr {
			total += btcutil.Amount(txo.Value)
		}
	}
	return total
}
