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
package session

import (
	"math/rand"
	"sort"
	"time"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/gimme"
	"github.com/jpouellet/unworkable/lib/torrent/wire"
)

// tick runs the once-per-second scheduler pass: per-peer reaping and
// pipeline refill, followed by the session-level choke algorithm,
// opportunistic unchoke, endgame drive and peer top-up.
//
// Grounded on §4.5's ordered tick description and the original's
// scheduler_tick, rendered as plain method calls against state rather than
// the C implementation's explicit per-peer state machine fields.
func (s *state) tick() {
	now := s.clk.Now()

	for id, p := range s.peers {
		if p.state == peerDead {
			continue
		}
		if now.Sub(p.lastRecvAt) >= s.config.PeerInactivityTimeout {
			s.removePeer(id)
			continue
		}
		s.drainUpload(p)
		s.refill(p, now)
	}

	if now.Sub(s.lastChokeAt) >= s.config.ChokeInterval {
		s.recomputeChoke(now)
		s.lastChokeAt = now
	}
	if now.Sub(s.lastOptimisticAt) >= s.config.OptimisticUnchokeInterval {
		s.optimisticUnchoke()
		s.lastOptimisticAt = now
	}

	if s.isEndgame() {
		s.stats.Gauge("endgame").Update(1)
		s.driveEndgame()
	} else {
		s.stats.Gauge("endgame").Update(0)
	}

	s.maybeTopUp(now)
}

// drainUpload sends at most config.MaxUploadPerTick queued piece payloads
// to p.
func (s *state) drainUpload(p *peer) {
	n := s.config.MaxUploadPerTick
	for n > 0 && len(p.uploadQueue) > 0 {
		u := p.uploadQueue[0]
		p.uploadQueue = p.uploadQueue[1:]
		data, err := s.store.ReadBlock(u.index, u.offset, u.length)
		if err != nil {
			s.logger.Errorf("Read block for upload (piece %d, offset %d): %s", u.index, u.offset, err)
			continue
		}
		p.conn.Send(wire.PieceMsg(uint32(u.index), uint32(u.offset), data))
		s.uploaded += int64(len(data))
		s.stats.Counter("bytes_uploaded").Inc(int64(len(data)))
		n--
	}
}

// refill tops up p's outstanding request pipeline up to a queue depth
// derived from its observed download rate.
func (s *state) refill(p *peer, now time.Time) {
	if p.state != peerEstablished || p.peerChoking || s.goodPieces >= s.mi.NumPieces() {
		return
	}
	q := int(p.rate(now) / 10240)
	if q < 2 {
		q = 2
	}
	if q > 100 {
		q = 100
	}
	for p.dlQueueLen < q {
		blk, ok := s.sel.Gimme(p.id, p.bitfield, s.local, s.goodPieces, s.reg, s.peerBitfields)
		if !ok {
			return
		}
		p.conn.Send(wire.RequestMsg(uint32(blk.Index), uint32(blk.Offset), uint32(blk.Length)))
		p.dlQueueLen++
	}
}

// recomputeChoke unchokes the MaxFastUnchoked interested peers with the
// highest download rate and chokes every other established peer.
func (s *state) recomputeChoke(now time.Time) {
	var interested []*peer
	for _, p := range s.peers {
		if p.state == peerEstablished && p.peerInterested {
			interested = append(interested, p)
		}
	}
	sort.SliceStable(interested, func(i, j int) bool {
		return interested[i].rate(now) > interested[j].rate(now)
	})

	unchoked := make(map[core.PeerID]bool, s.config.MaxFastUnchoked)
	for i, p := range interested {
		if i >= s.config.MaxFastUnchoked {
			break
		}
		unchoked[p.id] = true
	}

	for _, p := range s.peers {
		if p.state != peerEstablished {
			continue
		}
		choke := !unchoked[p.id]
		if choke == p.amChoking {
			continue
		}
		p.amChoking = choke
		if choke {
			p.conn.Send(wire.ChokeMsg())
		} else {
			p.conn.Send(wire.UnchokeMsg())
		}
	}

	if len(s.peers) > 0 {
		counts := make([]int, 0, len(s.peers))
		for _, p := range s.peers {
			counts = append(counts, int(p.totalRx))
		}
		s.tlog.ReceivedPiecesSummary(counts)
	}
}

// optimisticUnchoke unchokes one additional, currently-choked interested
// peer chosen uniformly at random, independent of its download rate.
func (s *state) optimisticUnchoke() {
	var candidates []*peer
	for _, p := range s.peers {
		if p.state == peerEstablished && p.peerInterested && p.amChoking {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	p := candidates[rand.Intn(len(candidates))]
	p.amChoking = false
	p.conn.Send(wire.UnchokeMsg())
}

// isEndgame reports whether every piece is either held locally or fully
// assigned: no more ordinary refill progress is possible, so remaining
// blocks are requested redundantly from every eligible peer.
func (s *state) isEndgame() bool {
	for i := 0; i < s.mi.NumPieces(); i++ {
		if s.local.Has(i) {
			continue
		}
		if !s.sel.FullyAssigned(i, s.reg) {
			return false
		}
	}
	return true
}

// driveEndgame requests every block of every incomplete piece from every
// non-choked peer that has it and hasn't already been sent that exact
// request, so the first arriving copy of each block completes the
// download without waiting on a single slow peer. A block already
// assigned to one peer is requested again from the next: per §4.5 and
// the original's peer_piece_dls walk (scheduler.c:464), "already
// requested" is tracked per peer, not globally, since endgame's whole
// point is to have more than one peer working the same block at once.
func (s *state) driveEndgame() {
	for i := 0; i < s.mi.NumPieces(); i++ {
		if s.local.Has(i) {
			continue
		}
		pieceLen := int(s.mi.PieceLength(i))
		for _, p := range s.peers {
			if p.state != peerEstablished || p.peerChoking || !p.bitfield.Has(i) {
				continue
			}
			for offset := 0; offset < pieceLen; offset += gimme.BlockSize {
				if _, exists := s.reg.FindForPeer(p.id, i, offset); exists {
					continue
				}
				length := pieceLen - offset
				if length > gimme.BlockSize {
					length = gimme.BlockSize
				}
				var err error
				if _, exists := s.reg.Find(i, offset); exists {
					_, err = s.reg.CreateDuplicate(p.id, i, offset, length)
				} else {
					_, err = s.reg.Create(p.id, i, offset, length)
				}
				if err != nil {
					continue
				}
				p.conn.Send(wire.RequestMsg(uint32(i), uint32(offset), uint32(length)))
			}
		}
	}
}

// maybeTopUp triggers a supplementary announce when the peer count has
// fallen below target and enough time has passed since the last one.
func (s *state) maybeTopUp(now time.Time) {
	if s.announceInFlight {
		return
	}
	if len(s.peers) >= s.config.TargetPeers {
		return
	}
	if s.left() <= 0 {
		return
	}
	if now.Sub(s.lastAnnounceAt) < s.config.MinAnnounceInterval {
		return
	}
	s.startAnnounce("")
}
