// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gimme implements the block selection policy the scheduler
// consults once per peer per tick to decide what to request next.
//
// Grounded on the ordered pieceSelectionPolicy interface of
// lib/torrent/scheduler/dispatch/piecerequest (policy.go,
// rarest_first_policy.go, default_policy.go), generalized from a
// single-strategy piece-level policy into the four-step
// partial/warm-up/rarest-first/block-offset cascade described for
// scheduler_piece_gimme in the C original.
package gimme

import (
	"math/rand"
	"time"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/bitfield"
	"github.com/jpouellet/unworkable/lib/torrent/piecedl"
	"github.com/jpouellet/unworkable/utils/heap"

	"github.com/andres-erbsen/clock"
)

const (
	// BlockSize is the fixed size of a requested block, except
	// possibly the final block of a piece or of the torrent.
	BlockSize = 16384

	// WarmUpGoodPiecesThreshold is the good_pieces count below which
	// warm-up random selection is preferred over rarest-first.
	WarmUpGoodPiecesThreshold = 4

	// WarmUpMinPieces is the torrent size, in pieces, at or below
	// which warm-up never applies.
	WarmUpMinPieces = 4

	// RarityTTL is how long a cached rarity computation remains valid.
	RarityTTL = 5 * time.Second
)

// Selector tracks the per-session state needed to select blocks: a
// piece-length lookup and a time-cached rarity ranking.
type Selector struct {
	clk         clock.Clock
	numPieces   int
	pieceLength func(index int) int

	rarity     []int
	rarityAt   time.Time
	hasRarity  bool
}

// NewSelector creates a Selector for a torrent with numPieces pieces,
// whose length in bytes is given by pieceLength.
func NewSelector(clk clock.Clock, numPieces int, pieceLength func(index int) int) *Selector {
	return &Selector{clk: clk, numPieces: numPieces, pieceLength: pieceLength}
}

// Block identifies a block selected for request.
type Block struct {
	Index  int
	Offset int
	Length int
}

// Gimme selects the next block to request from peerID, whose held
// pieces are given by peerBits. localBits is what we hold ourselves;
// goodPieces is its piece count. reg is the live piece-download
// registry. peerBitfields returns the bitfields of every currently
// ESTABLISHED peer, used to (re)compute rarity.
//
// It returns ok=false if there is nothing left to request from this
// peer.
func (s *Selector) Gimme(
	peerID core.PeerID,
	peerBits *bitfield.Bitfield,
	localBits *bitfield.Bitfield,
	goodPieces int,
	reg *piecedl.Registry,
	peerBitfields func() []*bitfield.Bitfield) (Block, bool) {

	idx, ok := s.selectPiece(peerID, peerBits, localBits, goodPieces, reg, peerBitfields)
	if !ok {
		return Block{}, false
	}
	return s.selectBlock(peerID, idx, reg)
}

func (s *Selector) selectPiece(
	peerID core.PeerID,
	peerBits *bitfield.Bitfield,
	localBits *bitfield.Bitfield,
	goodPieces int,
	reg *piecedl.Registry,
	peerBitfields func() []*bitfield.Bitfield) (int, bool) {

	// Step 1: prefer pieces already partially started.
	for i := 0; i < s.numPieces; i++ {
		if localBits.Has(i) || !peerBits.Has(i) || s.FullyAssigned(i, reg) {
			continue
		}
		if len(reg.ForPiece(i)) > 0 {
			return i, true
		}
	}

	// Step 2: warm-up random pick on small torrents we've barely started.
	if goodPieces < WarmUpGoodPiecesThreshold && s.numPieces > WarmUpMinPieces {
		var candidates []int
		for i := 0; i < s.numPieces; i++ {
			if !localBits.Has(i) && peerBits.Has(i) && !s.FullyAssigned(i, reg) {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return 0, false
		}
		return candidates[rand.Intn(len(candidates))], true
	}

	// Step 3: rarest-first. Pieces are popped off a min-priority queue
	// keyed by rarity until an eligible one surfaces, so a peer that
	// already holds the rarest piece doesn't cost a full-torrent sort.
	s.refreshRarity(peerBitfields)
	pq := heap.NewPriorityQueue()
	for i := 0; i < s.numPieces; i++ {
		pq.Push(&heap.Item{Value: i, Priority: s.rarity[i]})
	}
	for pq.Len() > 0 {
		item, err := pq.Pop()
		if err != nil {
			break
		}
		i := item.Value.(int)
		if localBits.Has(i) || !peerBits.Has(i) || s.FullyAssigned(i, reg) {
			continue
		}
		return i, true
	}

	return 0, false
}

func (s *Selector) selectBlock(peerID core.PeerID, index int, reg *piecedl.Registry) (Block, bool) {
	pieceLen := s.pieceLength(index)

	var orphan *piecedl.PieceDl
	for offset := 0; offset < pieceLen; offset += BlockSize {
		pd, exists := reg.Find(index, offset)
		if !exists {
			if orphan != nil {
				if err := reg.Assign(orphan, peerID); err != nil {
					return Block{}, false
				}
				return Block{Index: orphan.Index, Offset: orphan.Offset, Length: orphan.Length}, true
			}
			length := pieceLen - offset
			if length > BlockSize {
				length = BlockSize
			}
			if _, err := reg.Create(peerID, index, offset, length); err != nil {
				return Block{}, false
			}
			return Block{Index: index, Offset: offset, Length: length}, true
		}
		if orphan == nil && pd.Orphaned() {
			orphan = pd
		}
	}

	if orphan != nil {
		if err := reg.Assign(orphan, peerID); err != nil {
			return Block{}, false
		}
		return Block{Index: orphan.Index, Offset: orphan.Offset, Length: orphan.Length}, true
	}
	return Block{}, false
}

// FullyAssigned reports whether every block of piece index has a
// PieceDl record that is either complete or owned by a live peer. Exported
// so the session's endgame detection (§4.5) can reuse the exact same
// definition of "fully assigned" used during piece selection.
func (s *Selector) FullyAssigned(index int, reg *piecedl.Registry) bool {
	pieceLen := s.pieceLength(index)
	for offset := 0; offset < pieceLen; offset += BlockSize {
		pd, exists := reg.Find(index, offset)
		if !exists {
			return false
		}
		if pd.Orphaned() && !pd.Complete() {
			return false
		}
	}
	return true
}

func (s *Selector) refreshRarity(peerBitfields func() []*bitfield.Bitfield) {
	if s.hasRarity && s.clk.Now().Sub(s.rarityAt) < RarityTTL {
		return
	}
	rarity := make([]int, s.numPieces)
	for _, bf := range peerBitfields() {
		for i := 0; i < s.numPieces; i++ {
			if bf.Has(i) {
				rarity[i]++
			}
		}
	}
	s.rarity = rarity
	s.rarityAt = s.clk.Now()
	s.hasRarity = true
}
