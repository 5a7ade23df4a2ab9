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
	"github.com/jpouellet/unworkable/lib/torrent/bitfield"
	"github.com/jpouellet/unworkable/lib/torrent/wire"
)

func bitfieldWireMsg(b *bitfield.Bitfield) *wire.Message {
	return wire.BitfieldMsg(b.Encode())
}

// handleMessage dispatches a single framed message from p, per the message
// handling rules: choke/unchoke/interested toggle flags, have/bitfield
// update possession and connection state, request/cancel manage the
// upload queue, and piece writes into the piece store and drives piece
// completion.
func (s *state) handleMessage(p *peer, msg *wire.Message) {
	p.lastRecvAt = s.clk.Now()

	switch msg.ID {
	case wire.Choke:
		p.peerChoking = true
	case wire.Unchoke:
		p.peerChoking = false
	case wire.Interested:
		p.peerInterested = true
	case wire.NotInterested:
		p.peerInterested = false
	case wire.Have:
		s.handleHave(p, msg)
	case wire.Bitfield:
		s.handleBitfield(p, msg)
	case wire.Request:
		s.handleRequest(p, msg)
	case wire.Piece:
		s.handlePiece(p, msg)
	case wire.Cancel:
		s.handleCancel(p, msg)
	}
}

func (s *state) handleHave(p *peer, msg *wire.Message) {
	i := int(msg.Index)
	if i >= s.mi.NumPieces() {
		return
	}
	p.bitfield.Set(i)
	if p.state == peerAwaitingBitfield {
		p.state = peerEstablished
	}
}

func (s *state) handleBitfield(p *peer, msg *wire.Message) {
	if p.state != peerAwaitingBitfield {
		return
	}
	bf, err := bitfield.Decode(s.mi.NumPieces(), msg.BitfieldBytes)
	if err != nil {
		s.removePeer(p.id)
		return
	}
	p.bitfield = bf
	p.state = peerEstablished
	p.amInterested = true
	p.conn.Send(wire.InterestedMsg())
}

func (s *state) handleRequest(p *peer, msg *wire.Message) {
	i := int(msg.Index)
	if i >= s.mi.NumPieces() {
		return
	}
	if int64(msg.Offset)+int64(msg.Length) > s.mi.PieceLength(i) {
		return
	}
	if msg.Length > wire.MaxBlockLength {
		return
	}
	if p.amChoking {
		return
	}
	p.uploadQueue = append(p.uploadQueue, uploadRequest{
		index:  i,
		offset: int(msg.Offset),
		length: int(msg.Length),
	})
}

func (s *state) handleCancel(p *peer, msg *wire.Message) {
	for i, u := range p.uploadQueue {
		if u.index == int(msg.Index) && u.offset == int(msg.Offset) && u.length == int(msg.Length) {
			p.uploadQueue = append(p.uploadQueue[:i], p.uploadQueue[i+1:]...)
			return
		}
	}
}

func (s *state) handlePiece(p *peer, msg *wire.Message) {
	i := int(msg.Index)
	if i >= s.mi.NumPieces() {
		return
	}

	pd, ok := s.reg.Find(i, int(msg.Offset))
	if !ok {
		p.totalRx += int64(len(msg.Block))
		return
	}

	if err := s.store.WriteBlock(i, int(msg.Offset), msg.Block); err != nil {
		s.logger.Errorf("Write block at piece %d offset %d: %s", i, msg.Offset, err)
		return
	}
	pd.AddBytes(len(msg.Block))
	p.totalRx += int64(len(msg.Block))
	s.downloaded += int64(len(msg.Block))
	s.stats.Counter("bytes_downloaded").Inc(int64(len(msg.Block)))

	if p.dlQueueLen > 0 {
		p.dlQueueLen--
	}

	if !pd.Complete() {
		return
	}

	ok, err := s.store.CheckHash(i)
	if err != nil {
		s.logger.Errorf("Check hash for piece %d: %s", i, err)
	}
	s.reg.FreePiece(i)
	if err != nil || !ok {
		return
	}

	s.store.MarkComplete(i)
	s.local.Set(i)
	s.goodPieces++
	s.tlog.PieceCompleted(i, s.goodPieces, s.mi.NumPieces())
	s.stats.Counter("pieces_completed").Inc(1)
	s.stats.Gauge("good_pieces").Update(float64(s.goodPieces))
	s.broadcastHave(i)
	s.checkComplete()
}

// broadcastHave sends have(index) to every established peer.
func (s *state) broadcastHave(index int) {
	for _, p := range s.peers {
		if p.state == peerEstablished {
			p.conn.Send(wire.HaveMsg(uint32(index)))
		}
	}
}
