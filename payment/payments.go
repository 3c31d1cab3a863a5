// SPDX-License-Identifier: MIT
// Dev: KryperAI

// Package payment builds and checks the fee transactions that pay service
// nodes, including CLTV payment channels.
package payment

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"xrouter/types"
)

// Fee model of a fee transaction: bytes per input and output at a fixed
// rate in satoshi per byte.
const (
	inputSize  = 192
	outputSize = 34
	feePerByte = 20
)

// TxFee is the miner fee of a transaction with the given shape.
func TxFee(inputs, outputs int) btcutil.Amount {
	return btcutil.Amount((inputSize*inputs + outputSize*outputs) * feePerByte)
}

// ToAmount converts a configured coin value.
func ToAmount(coins float64) (btcutil.Amount, error) {
	a, err := btcutil.NewAmount(coins)
	if err != nil {
		return 0, types.NewError(types.InvalidParameters, "bad amount %v: %v", coins, err)
	}
	return a, nil
}

// Payments is the fee helper of one node. It serializes transaction
// creation so that concurrent payments never pick the same inputs.
type Payments struct {
	mu       sync.Mutex
	ledger   Ledger
	params   *chaincfg.Params
	store    *Store
	nodeKey  *btcec.PrivateKey
	locked   map[wire.OutPoint]struct{}
	reserved map[chainhash.Hash]struct{}
	spent    map[chainhash.Hash]struct{}
	now      func() time.Time
}

type Option func(*Payments)

// WithStore persists channels and the spent-fee index.
func WithStore(s *Store) Option {
	return func(p *Payments) { p.store = s }
}

// WithNodeKey sets the key a service node uses to close payment channels.
func WithNodeKey(k *btcec.PrivateKey) Option {
	return func(p *Payments) { p.nodeKey = k }
}

func New(ledger Ledger, params *chaincfg.Params, opts ...Option) *Payments {
	p := &Payments{
		ledger:   ledger,
		params:   params,
		locked:   make(map[wire.OutPoint]struct{}),
		reserved: make(map[chainhash.Hash]struct{}),
		spent:    make(map[chainhash.Hash]struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Payments) Params() *chaincfg.Params { return p.params }

// ---- transaction codec ----

// DecodeTx parses a hex encoded transaction.
func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("bad transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("bad transaction: %w", err)
	}
	return tx, nil
}

// EncodeTx serializes tx as hex.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// ---- client side ----

func isP2PKH(script []byte) bool {
	return txscript.GetScriptClass(script) == txscript.PubKeyHashTy
}

func (p *Payments) addressScript(addr string) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, p.params)
	if err != nil {
		return nil, types.NewError(types.BadAddress, "Bad payment address %s", addr)
	}
	return txscript.PayToAddrScript(a)
}

// selectInputs picks the smallest single UTXO that covers amount plus the
// fee, or else accumulates the largest ones.
func selectInputs(utxos []UTXO, amount btcutil.Amount, outputs int) ([]UTXO, btcutil.Amount, bool) {
	sorted := append([]UTXO(nil), utxos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })
	for _, u := range sorted {
		if u.Amount >= amount+TxFee(1, outputs) {
			return []UTXO{u}, TxFee(1, outputs), true
		}
	}
	var picked []UTXO
	var total btcutil.Amount
	for i := len(sorted) - 1; i >= 0; i-- {
		picked = append(picked, sorted[i])
		total += sorted[i].Amount
		if fee := TxFee(len(picked), outputs); total >= amount+fee {
			return picked, fee, true
		}
	}
	return nil, 0, false
}

// buildTx funds outs from unlocked P2PKH wallet outputs, adds change to the
// largest input's address, signs, and locks the inputs it used. Callers hold
// p.mu.
func (p *Payments) buildTx(ctx context.Context, outs []*wire.TxOut) (*wire.MsgTx, []UTXO, error) {
	if p.ledger == nil {
		return nil, nil, types.NewError(types.InsufficientFunds, "wallet is not available")
	}
	all, err := p.ledger.ListUnspent(ctx)
	if err != nil {
		return nil, nil, types.NewError(types.InsufficientFunds, "Failed to list unspent outputs: %v", err)
	}
	var usable []UTXO
	for _, u := range all {
		if _, locked := p.locked[u.OutPoint]; locked || !isP2PKH(u.PkScript) {
			continue
		}
		usable = append(usable, u)
	}
	var need btcutil.Amount
	for _, o := range outs {
		need += btcutil.Amount(o.Value)
	}
	picked, fee, ok := selectInputs(usable, need, len(outs)+1)
	if !ok {
		return nil, nil, types.NewError(types.InsufficientFunds, "Insufficient funds for fee tx")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total btcutil.Amount
	largest := picked[0]
	for _, u := range picked {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		total += u.Amount
		if u.Amount > largest.Amount {
			largest = u
		}
	}
	for _, o := range outs {
		tx.AddTxOut(o)
	}
	if change := total - need - fee; change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), largest.PkScript))
	}

	signed, err := p.ledger.SignTransaction(ctx, tx, picked)
	if err != nil {
		return nil, nil, types.NewError(types.InsufficientFunds, "Failed to sign fee tx: %v", err)
	}
	for _, u := range picked {
		p.locked[u.OutPoint] = struct{}{}
	}
	return signed, picked, nil
}

// CreatePayment returns a signed, unbroadcast transaction paying amount to
// addr. Its inputs stay locked until UnlockOutputs or a broadcast.
func (p *Payments) CreatePayment(ctx context.Context, addr string, amount btcutil.Amount) (string, error) {
	if amount <= 0 {
		return "", types.NewError(types.InvalidParameters, "payment amount must be positive")
	}
	script, err := p.addressScript(addr)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, _, err := p.buildTx(ctx, []*wire.TxOut{wire.NewTxOut(int64(amount), script)})
	if err != nil {
		return "", err
	}
	return EncodeTx(tx)
}

// UnlockOutputs releases the inputs of a payment that was never used and
// returns how many were locked.
func (p *Payments) UnlockOutputs(rawHex string) int {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, in := range tx.TxIn {
		if _, ok := p.locked[in.PreviousOutPoint]; ok {
			delete(p.locked, in.PreviousOutPoint)
			n++
		}
	}
	return n
}

func (p *Payments) IsLocked(op wire.OutPoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.locked[op]
	return ok
}

func (p *Payments) LockedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locked)
}

// Broadcast sends a raw transaction to the network.
func (p *Payments) Broadcast(ctx context.Context, rawHex string) (chainhash.Hash, error) {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return chainhash.Hash{}, types.NewError(types.InsufficientFee, "%v", err)
	}
	return p.broadcast(ctx, tx)
}

func (p *Payments) broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	if p.ledger == nil {
		return chainhash.Hash{}, types.NewError(types.InternalServerError, "wallet is not available")
	}
	h, err := p.ledger.Broadcast(ctx, tx)
	if err != nil {
		return h, types.NewError(types.InsufficientFee, "Failed to broadcast fee tx %s: %v", tx.TxHash(), err)
	}
	return h, nil
}

// ---- service node side ----

// paidTo sums the outputs of tx that pay addr.
func (p *Payments) paidTo(tx *wire.MsgTx, addr string) btcutil.Amount {
	var total btcutil.Amount
	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, p.params)
		if err != nil || len(addrs) != 1 {
			continue
		}
		if addrs[0].EncodeAddress() == addr {
			total += btcutil.Amount(out.Value)
		}
	}
	return total
}

// CheckPayment verifies that rawHex spends existing outputs and pays at
// least expected to addr.
func (p *Payments) CheckPayment(ctx context.Context, rawHex, addr string, expected btcutil.Amount) (*wire.MsgTx, error) {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, %v", err)
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, transaction has no inputs or outputs")
	}
	if p.ledger == nil {
		return nil, types.NewError(types.InternalServerError, "wallet is not available")
	}
	for _, in := range tx.TxIn {
		prev, err := p.ledger.GetTransaction(ctx, in.PreviousOutPoint.Hash)
		if err != nil || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			return nil, types.NewError(types.InsufficientFee, "Bad fee payment, failed to find fee inputs")
		}
	}
	paid := p.paidTo(tx, addr)
	if paid <= 0 {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, payment address is missing")
	}
	if paid < expected {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, fee is too low")
	}
	return tx, nil
}

// Receipt is a verified fee waiting to be settled.
type Receipt struct {
	Txid    chainhash.Hash
	tx      *wire.MsgTx
	channel *Channel
}

// IsChannel reports whether the fee was paid through a payment channel.
func (r *Receipt) IsChannel() bool { return r.channel != nil }

// VerifyFee checks a fee before the request is executed. The fee
// transaction, or the channel it pays through, stays reserved until
// SettleFee or Release so that a second request cannot reuse it.
func (p *Payments) VerifyFee(ctx context.Context, rawHex, addr string, fee btcutil.Amount) (*Receipt, error) {
	if rawHex == "" {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, fee transaction is missing")
	}
	if addr == "" {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, service node payment address is not configured")
	}
	if IsChannelPayment(rawHex) {
		ch, err := p.verifyChannelPayment(ctx, rawHex, addr, fee)
		if err != nil {
			return nil, err
		}
		h := ch.Outpoint()
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.reserved[h]; ok {
			return nil, types.NewError(types.InsufficientFee, "Bad fee payment, payment channel %s is in use", ch.ID())
		}
		p.reserved[h] = struct{}{}
		return &Receipt{Txid: h, channel: ch}, nil
	}

	tx, err := p.CheckPayment(ctx, rawHex, addr, fee)
	if err != nil {
		return nil, err
	}
	h := tx.TxHash()
	if p.feeSpent(h) {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, fee transaction %s was already used", h)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserved[h]; ok {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, fee transaction %s is in use", h)
	}
	p.reserved[h] = struct{}{}
	return &Receipt{Txid: h, tx: tx}, nil
}

// SettleFee collects a verified fee: a direct payment is broadcast and
// indexed as spent, a channel payment replaces the stored channel state.
func (p *Payments) SettleFee(ctx context.Context, r *Receipt) error {
	defer p.Release(r)
	if r.channel != nil {
		return p.saveServerChannel(r.channel)
	}
	if _, err := p.broadcast(ctx, r.tx); err != nil {
		return err
	}
	return p.markSpent(r.Txid)
}

// Release drops the reservation of a fee that will not be settled.
func (p *Payments) Release(r *Receipt) {
	p.mu.Lock()
	delete(p.reserved, r.Txid)
	p.mu.Unlock()
}

func (p *Payments) feeSpent(h chainhash.Hash) bool {
	if p.store != nil {
		spent, err := p.store.IsSpent(h.String())
		if err != nil {
			log.Printf("payment: spent index lookup %s: %v", h, err)
		}
		return spent
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.spent[h]
	return ok
}

func (p *Payments) markSpent(h chainhash.Hash) error {
	if p.store != nil {
		return p.store.MarkSpent(h.String(), p.now())
	}
	p.mu.Lock()
	p.spent[h] = struct{}{}
	p.mu.Unlock()
	return nil
}

// PruneSpent forgets spent fees older than age. Only the persistent index
// ages out.
func (p *Payments) PruneSpent(age time.Duration) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	return p.store.PruneSpent(p.now().Add(-age))
}
