// SPDX-License-Identifier: MIT
// Dev: KryperAI

package payment

import (
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"go.dedis.ch/protobuf"
)

// Side selects whose view of a channel is stored.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

var (
	clientChannels = []byte("channels.client")
	serverChannels = []byte("channels.server")
	spentFees      = []byte("fees.spent")
)

func (s Side) bucket() []byte {
	if s == ServerSide {
		return serverChannels
	}
	return clientChannels
}

type spentFee struct {
	Txid string
	At   int64
}

// Store persists payment channels and the spent-fee index in a bolt file.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open payment store: %w", err)
	}
	err = db.Update(func(btx *bolt.Tx) error {
		for _, name := range [][]byte{clientChannels, serverChannels, spentFees} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot init payment store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutChannel(side Side, ch *Channel) error {
	buf, err := protobuf.Encode(ch)
	if err != nil {
		return fmt.Errorf("encode channel %s: %w", ch.ID(), err)
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(side.bucket()).Put([]byte(ch.ID()), buf)
	})
}

// Channel loads a channel by funding outpoint.
func (s *Store) Channel(side Side, id string) (*Channel, bool, error) {
	var ch *Channel
	err := s.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(side.bucket()).Get([]byte(id))
		if raw == nil {
			return nil
		}
		ch = &Channel{}
		return protobuf.Decode(raw, ch)
	})
	if err != nil {
		return nil, false, fmt.Errorf("decode channel %s: %w", id, err)
	}
	return ch, ch != nil, nil
}

// Channels lists all channels of side in key order.
func (s *Store) Channels(side Side) ([]*Channel, error) {
	var out []*Channel
	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(side.bucket()).ForEach(func(k, v []byte) error {
			ch := &Channel{}
			if err := protobuf.Decode(v, ch); err != nil {
				return fmt.Errorf("decode channel %s: %w", k, err)
			}
			out = append(out, ch)
			return nil
		})
	})
	return out, err
}

// MarkSpent records that a fee transaction has been collected.
func (s *Store) MarkSpent(txid string, at time.Time) error {
	buf, err := protobuf.Encode(&spentFee{Txid: txid, At: at.Unix()})
	if err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(spentFees).Put([]byte(txid), buf)
	})
}

func (s *Store) IsSpent(txid string) (bool, error) {
	var spent bool
	err := s.db.View(func(btx *bolt.Tx) error {
		spent = btx.Bucket(spentFees).Get([]byte(txid)) != nil
		return nil
	})
	return spent, err
}

// PruneSpent forgets fees collected before cutoff.
func (s *Store) PruneSpent(cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(spentFees)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec spentFee
			if err := protobuf.Decode(v, &rec); err != nil || rec.At < cutoff.Unix() {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
