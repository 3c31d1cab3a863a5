// SPDX-License-Identifier: MIT
// Dev: KryperAI

package query

import (
	"sync"

	"xrouter/types"
)

// Score deltas applied by the client.
const (
	PenaltyNoReply      = -25
	PenaltyDisagree     = -5
	PenaltyServerError  = -2
	PenaltyBadConfig    = -10
	PenaltyBadPlugin    = -2
	PenaltyConnFailed   = -10
	PenaltyConnTimeout  = -5
	RewardAgreePerPeer  = 2
	DefaultBanThreshold = -200
	ScoreAfterBan       = -30
)

// Scores is the in-memory reputation of peers.
type Scores struct {
	mu     sync.RWMutex
	scores map[types.PeerAddress]int
}

func NewScores() *Scores {
	return &Scores{scores: make(map[types.PeerAddress]int)}
}

// Get returns the score of peer, zero when unknown.
func (s *Scores) Get(peer types.PeerAddress) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scores[peer]
}

// Has reports whether peer was ever scored.
func (s *Scores) Has(peer types.PeerAddress) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scores[peer]
	return ok
}

// Update adds delta to the score of peer and returns the new score.
func (s *Scores) Update(peer types.PeerAddress, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[peer] += delta
	return s.scores[peer]
}

// Ban resets the score of a banned peer to the value it gets when the ban
// expires.
func (s *Scores) Ban(peer types.PeerAddress) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[peer] = ScoreAfterBan
	return ScoreAfterBan
}

// Snapshot copies all scores.
func (s *Scores) Snapshot() map[types.PeerAddress]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.PeerAddress]int, len(s.scores))
	for p, v := range s.scores {
		out[p] = v
	}
	return out
}
