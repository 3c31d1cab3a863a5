// SPDX-License-Identifier: MIT
// Dev: KryperAI

package payment

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"xrouter/types"
)

// ChannelFee is the miner fee reserved by every channel spend.
const ChannelFee btcutil.Amount = 100000

// ChannelState tracks the close handshake: Open → Paying → Closed | Refunded.
type ChannelState uint32

const (
	ChannelOpen ChannelState = iota
	ChannelPaying
	ChannelClosed
	ChannelRefunded
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelPaying:
		return "paying"
	case ChannelClosed:
		return "closed"
	case ChannelRefunded:
		return "refunded"
	}
	return "unknown"
}

var errNotChannel = errors.New("not a payment channel script")

// Channel is a CLTV deposit that the client pays from incrementally. The
// service node can close it with the latest payment at any time before the
// deadline; afterwards the client can take the deposit back.
type Channel struct {
	FundingTxid  string
	FundingVout  uint32
	Redeem       []byte
	ClientKey    []byte
	Node         string
	PayScript    []byte
	ChangeScript []byte
	Deposit      int64
	Deadline     int64
	Paid         int64
	LatestTx     string
	State        ChannelState
}

// ID is the funding outpoint.
func (c *Channel) ID() string {
	return fmt.Sprintf("%s:%d", c.FundingTxid, c.FundingVout)
}

func (c *Channel) outPoint() (wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(c.FundingTxid)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return *wire.NewOutPoint(h, c.FundingVout), nil
}

// Outpoint returns the funding transaction hash.
func (c *Channel) Outpoint() chainhash.Hash {
	op, _ := c.outPoint()
	return op.Hash
}

func (c *Channel) Expired(now time.Time) bool {
	return now.Unix() >= c.Deadline
}

// Remaining is what the client can still pay.
func (c *Channel) Remaining() btcutil.Amount {
	return btcutil.Amount(c.Deposit-c.Paid) - ChannelFee
}

func (c *Channel) IsActive() bool {
	return c.State == ChannelOpen || c.State == ChannelPaying
}

// RedeemScript locks a deposit to both keys, or to the client alone once
// locktime has passed.
func RedeemScript(snodePub, clientPub []byte, locktime int64) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddData(snodePub).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_ELSE).
		AddInt64(locktime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_ENDIF).
		AddData(clientPub).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

const pushData = -1

var redeemShape = []int{
	txscript.OP_IF, pushData, txscript.OP_CHECKSIGVERIFY, txscript.OP_ELSE,
	pushData, txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP, txscript.OP_ENDIF,
	pushData, txscript.OP_CHECKSIG,
}

// parseRedeem extracts the keys and locktime of a channel redeem script.
func parseRedeem(script []byte) (snodePub, clientPub []byte, locktime int64, err error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	var pushes [][]byte
	step := 0
	for tok.Next() {
		if step >= len(redeemShape) {
			return nil, nil, 0, errNotChannel
		}
		want := redeemShape[step]
		switch {
		case want == pushData:
			if tok.Data() == nil {
				return nil, nil, 0, errNotChannel
			}
			pushes = append(pushes, tok.Data())
		case int(tok.Opcode()) != want:
			return nil, nil, 0, errNotChannel
		}
		step++
	}
	if tok.Err() != nil || step != len(redeemShape) {
		return nil, nil, 0, errNotChannel
	}
	if len(pushes[0]) != 33 || len(pushes[2]) != 33 || len(pushes[1]) > 5 {
		return nil, nil, 0, errNotChannel
	}
	return pushes[0], pushes[2], decodeScriptNum(pushes[1]), nil
}

// decodeScriptNum reads a little-endian sign-magnitude script number.
func decodeScriptNum(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v int64
	for i, c := range b {
		v |= int64(c) << (8 * uint(i))
	}
	last := len(b) - 1
	if b[last]&0x80 != 0 {
		v &^= int64(0x80) << (8 * uint(last))
		return -v
	}
	return v
}

func p2shScript(redeem []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressScriptHash(redeem, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// expiryScript is an OP_RETURN carrying the 4-byte big-endian locktime.
func expiryScript(locktime int64) ([]byte, error) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(locktime))
	return txscript.NullDataScript(b[:])
}

// ChannelExpiry returns the locktime announced by a funding transaction, or
// -1 when it has none.
func ChannelExpiry(rawHex string) int64 {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return -1
	}
	for _, out := range tx.TxOut {
		s := out.PkScript
		if len(s) == 6 && s[0] == txscript.OP_RETURN && s[1] == txscript.OP_DATA_4 {
			return int64(binary.BigEndian.Uint32(s[2:]))
		}
	}
	return -1
}

// IsChannelPayment reports whether rawHex spends a channel deposit.
func IsChannelPayment(rawHex string) bool {
	tx, err := DecodeTx(rawHex)
	if err != nil || len(tx.TxIn) != 1 {
		return false
	}
	pushes, err := txscript.PushedData(tx.TxIn[0].SignatureScript)
	if err != nil || len(pushes) != 2 {
		return false
	}
	_, _, _, err = parseRedeem(pushes[1])
	return err == nil
}

// Pay signs a spend moving the cumulative total paid plus amount to the
// service node. Only the client signature is present; the node completes
// it on close.
func (c *Channel) Pay(amount btcutil.Amount, now time.Time) (string, error) {
	if !c.IsActive() {
		return "", types.NewError(types.InvalidParameters, "payment channel %s is %s", c.ID(), c.State)
	}
	if c.Expired(now) {
		return "", types.NewError(types.ExpiredPaymentChannel, "payment channel %s expired", c.ID())
	}
	if amount <= 0 {
		return "", types.NewError(types.InvalidParameters, "payment amount must be positive")
	}
	if amount > c.Remaining() {
		return "", types.NewError(types.InsufficientFunds, "payment channel %s has %s left", c.ID(), c.Remaining())
	}
	op, err := c.outPoint()
	if err != nil {
		return "", err
	}
	key, _ := btcec.PrivKeyFromBytes(c.ClientKey)

	paid := btcutil.Amount(c.Paid) + amount
	change := btcutil.Amount(c.Deposit) - paid - ChannelFee
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), c.ChangeScript))
	}
	tx.AddTxOut(wire.NewTxOut(int64(paid), c.PayScript))

	sig, err := txscript.RawTxInSignature(tx, 0, c.Redeem, txscript.SigHashAll, key)
	if err != nil {
		return "", err
	}
	tx.TxIn[0].SignatureScript, err = txscript.NewScriptBuilder().AddData(sig).AddData(c.Redeem).Script()
	if err != nil {
		return "", err
	}
	raw, err := EncodeTx(tx)
	if err != nil {
		return "", err
	}
	c.Paid = int64(paid)
	c.LatestTx = raw
	c.State = ChannelPaying
	return raw, nil
}

// RefundTx returns the deposit to the client through the locktime branch.
// It is only final once the deadline has passed.
func (c *Channel) RefundTx() (*wire.MsgTx, error) {
	op, err := c.outPoint()
	if err != nil {
		return nil, err
	}
	key, _ := btcec.PrivKeyFromBytes(c.ClientKey)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = uint32(c.Deadline)
	in := wire.NewTxIn(&op, nil, nil)
	in.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(c.Deposit-int64(ChannelFee), c.ChangeScript))

	sig, err := txscript.RawTxInSignature(tx, 0, c.Redeem, txscript.SigHashAll, key)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript, err = txscript.NewScriptBuilder().
		AddData(sig).
		AddOp(txscript.OP_0).
		AddData(c.Redeem).
		Script()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// FinalizeChannelTx adds the service node signature to a client channel
// payment, selecting the two-key branch.
func FinalizeChannelTx(rawHex string, snodeKey *btcec.PrivateKey) (*wire.MsgTx, error) {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) != 1 {
		return nil, errNotChannel
	}
	pushes, err := txscript.PushedData(tx.TxIn[0].SignatureScript)
	if err != nil || len(pushes) != 2 {
		return nil, errNotChannel
	}
	clientSig, redeem := pushes[0], pushes[1]
	snodeSig, err := txscript.RawTxInSignature(tx, 0, redeem, txscript.SigHashAll, snodeKey)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript, err = txscript.NewScriptBuilder().
		AddData(clientSig).
		AddData(snodeSig).
		AddOp(txscript.OP_1).
		AddData(redeem).
		Script()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ---- client side ----

// OpenChannel funds a deposit to the service node identified by nodePub,
// payable to payAddress until ttl from now, and broadcasts it.
func (p *Payments) OpenChannel(ctx context.Context, nodePub, payAddress string, deposit btcutil.Amount, ttl time.Duration) (*Channel, error) {
	if p.store == nil {
		return nil, types.NewError(types.InternalServerError, "payment channels need a store")
	}
	if deposit <= ChannelFee {
		return nil, types.NewError(types.InvalidParameters, "deposit must exceed the channel fee %s", ChannelFee)
	}
	snodePub, err := hex.DecodeString(nodePub)
	if err != nil || len(snodePub) != 33 {
		return nil, types.NewError(types.InvalidParameters, "bad service node pubkey %s", nodePub)
	}
	payScript, err := p.addressScript(payAddress)
	if err != nil {
		return nil, err
	}
	clientKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	deadline := p.now().Add(ttl).Unix()
	redeem, err := RedeemScript(snodePub, clientKey.PubKey().SerializeCompressed(), deadline)
	if err != nil {
		return nil, err
	}
	lockScript, err := p2shScript(redeem, p.params)
	if err != nil {
		return nil, err
	}
	expiry, err := expiryScript(deadline)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	tx, picked, err := p.buildTx(ctx, []*wire.TxOut{
		wire.NewTxOut(0, expiry),
		wire.NewTxOut(int64(deposit), lockScript),
	})
	if err != nil {
		return nil, err
	}
	h, err := p.broadcast(ctx, tx)
	for _, u := range picked {
		delete(p.locked, u.OutPoint)
	}
	if err != nil {
		return nil, err
	}
	largest := picked[0]
	for _, u := range picked {
		if u.Amount > largest.Amount {
			largest = u
		}
	}
	ch := &Channel{
		FundingTxid:  h.String(),
		FundingVout:  1,
		Redeem:       redeem,
		ClientKey:    clientKey.Serialize(),
		Node:         nodePub,
		PayScript:    payScript,
		ChangeScript: largest.PkScript,
		Deposit:      int64(deposit),
		Deadline:     deadline,
		State:        ChannelOpen,
	}
	if err := p.store.PutChannel(ClientSide, ch); err != nil {
		return nil, err
	}
	log.Printf("payment: opened channel %s to %s deposit %s until %s",
		ch.ID(), nodePub, deposit, time.Unix(deadline, 0).UTC().Format(time.RFC3339))
	return ch, nil
}

// channelMargin keeps clients from paying into a channel the node has no
// time left to close.
const channelMargin = time.Minute

// ChannelPayment pays amount through an active channel to nodePub. ok is
// false when no channel can carry the payment.
func (p *Payments) ChannelPayment(nodePub string, amount btcutil.Amount) (raw string, ok bool, err error) {
	if p.store == nil {
		return "", false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	chans, err := p.store.Channels(ClientSide)
	if err != nil {
		return "", false, err
	}
	now := p.now()
	for _, ch := range chans {
		if ch.Node != nodePub || !ch.IsActive() || ch.Expired(now.Add(channelMargin)) || ch.Remaining() < amount {
			continue
		}
		raw, err := ch.Pay(amount, now)
		if err != nil {
			return "", false, err
		}
		if err := p.store.PutChannel(ClientSide, ch); err != nil {
			return "", false, err
		}
		return raw, true, nil
	}
	return "", false, nil
}

// RefundChannel broadcasts the refund of an expired client channel.
func (p *Payments) RefundChannel(ctx context.Context, id string) error {
	if p.store == nil {
		return types.NewError(types.InternalServerError, "payment channels need a store")
	}
	ch, ok, err := p.store.Channel(ClientSide, id)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewError(types.InvalidParameters, "unknown payment channel %s", id)
	}
	if !ch.IsActive() {
		return types.NewError(types.InvalidParameters, "payment channel %s is %s", id, ch.State)
	}
	if !ch.Expired(p.now()) {
		return types.NewError(types.InvalidParameters, "payment channel %s is locked until %s",
			id, time.Unix(ch.Deadline, 0).UTC().Format(time.RFC3339))
	}
	tx, err := ch.RefundTx()
	if err != nil {
		return err
	}
	if _, err := p.broadcast(ctx, tx); err != nil {
		return err
	}
	ch.State = ChannelRefunded
	return p.store.PutChannel(ClientSide, ch)
}

// Channels lists the client's channels.
func (p *Payments) Channels() ([]*Channel, error) {
	if p.store == nil {
		return nil, nil
	}
	return p.store.Channels(ClientSide)
}

// ---- service node side ----

func (p *Payments) verifyChannelPayment(ctx context.Context, rawHex, addr string, fee btcutil.Amount) (*Channel, error) {
	if p.store == nil || p.nodeKey == nil {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, payment channels are not accepted")
	}
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, %v", err)
	}
	in := tx.TxIn[0]
	pushes, err := txscript.PushedData(in.SignatureScript)
	if err != nil || len(pushes) != 2 {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, bad channel signature script")
	}
	clientSig, redeem := pushes[0], pushes[1]
	snodePub, clientPub, locktime, err := parseRedeem(redeem)
	if err != nil {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, %v", err)
	}
	if !bytes.Equal(snodePub, p.nodeKey.PubKey().SerializeCompressed()) {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, channel does not pay this service node")
	}
	if !p.now().Add(channelMargin).Before(time.Unix(locktime, 0)) {
		return nil, types.NewError(types.ExpiredPaymentChannel, "payment channel expired")
	}
	if err := verifyClientSig(tx, redeem, clientSig, clientPub); err != nil {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, %v", err)
	}

	fund, err := p.ledger.GetTransaction(ctx, in.PreviousOutPoint.Hash)
	if err != nil || int(in.PreviousOutPoint.Index) >= len(fund.TxOut) {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, failed to find channel deposit")
	}
	deposit := fund.TxOut[in.PreviousOutPoint.Index]
	lockScript, err := p2shScript(redeem, p.params)
	if err != nil || !bytes.Equal(deposit.PkScript, lockScript) {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, channel deposit does not match")
	}
	var out int64
	for _, o := range tx.TxOut {
		out += o.Value
	}
	if out > deposit.Value {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, channel spend exceeds deposit")
	}

	ch := &Channel{
		FundingTxid: in.PreviousOutPoint.Hash.String(),
		FundingVout: in.PreviousOutPoint.Index,
		Redeem:      redeem,
		Node:        hex.EncodeToString(clientPub),
		Deposit:     deposit.Value,
		Deadline:    locktime,
		State:       ChannelPaying,
	}
	var prevPaid int64
	if prev, ok, err := p.store.Channel(ServerSide, ch.ID()); err != nil {
		return nil, err
	} else if ok {
		if !prev.IsActive() {
			return nil, types.NewError(types.InsufficientFee, "Bad fee payment, payment channel is %s", prev.State)
		}
		prevPaid = prev.Paid
	}
	paid := p.paidTo(tx, addr)
	if paid <= 0 {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, payment address is missing")
	}
	if int64(paid)-prevPaid < int64(fee) {
		return nil, types.NewError(types.InsufficientFee, "Bad fee payment, fee is too low")
	}
	ch.Paid = int64(paid)
	ch.LatestTx = rawHex
	return ch, nil
}

func verifyClientSig(tx *wire.MsgTx, redeem, sig, pub []byte) error {
	if len(sig) < 2 || txscript.SigHashType(sig[len(sig)-1]) != txscript.SigHashAll {
		return errors.New("bad channel signature hash type")
	}
	hash, err := txscript.CalcSignatureHash(redeem, txscript.SigHashAll, tx, 0)
	if err != nil {
		return err
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return fmt.Errorf("bad channel signature: %w", err)
	}
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("bad client key: %w", err)
	}
	if !parsed.Verify(hash, key) {
		return errors.New("channel signature does not verify")
	}
	return nil
}

func (p *Payments) saveServerChannel(ch *Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok, err := p.store.Channel(ServerSide, ch.ID())
	if err != nil {
		return err
	}
	if ok && ch.Paid <= prev.Paid {
		return types.NewError(types.InsufficientFee, "Bad fee payment, channel payment %s was already collected", ch.ID())
	}
	return p.store.PutChannel(ServerSide, ch)
}

// CloseChannels finalizes and broadcasts the latest payment of every paying
// channel whose deadline is within the given window.
func (p *Payments) CloseChannels(ctx context.Context, within time.Duration) (int, error) {
	if p.store == nil || p.nodeKey == nil {
		return 0, nil
	}
	chans, err := p.store.Channels(ServerSide)
	if err != nil {
		return 0, err
	}
	horizon := p.now().Add(within)
	closed := 0
	for _, ch := range chans {
		if ch.State != ChannelPaying || !ch.Expired(horizon) {
			continue
		}
		tx, err := FinalizeChannelTx(ch.LatestTx, p.nodeKey)
		if err != nil {
			log.Printf("payment: cannot finalize channel %s: %v", ch.ID(), err)
			continue
		}
		if _, err := p.broadcast(ctx, tx); err != nil {
			log.Printf("payment: cannot close channel %s: %v", ch.ID(), err)
			continue
		}
		ch.State = ChannelClosed
		if err := p.store.PutChannel(ServerSide, ch); err != nil {
			return closed, err
		}
		closed++
		log.Printf("payment: closed channel %s collecting %s", ch.ID(), btcutil.Amount(ch.Paid))
	}
	return closed, nil
}
