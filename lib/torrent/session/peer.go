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
	"time"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/bitfield"
)

// peerState tracks where a peer sits in the handshake/bitfield-exchange
// progression described for the peer connection state machine: HANDSHAKE1
// and HANDSHAKE2 are handled entirely by the blocking handshake goroutine
// before a peer value ever exists, so only the post-handshake states are
// represented here.
type peerState int

const (
	// peerAwaitingBitfield is entered immediately after a successful
	// handshake; the peer may optionally send a bitfield as its first
	// message.
	peerAwaitingBitfield peerState = iota

	// peerEstablished is entered once a bitfield or have message has
	// been processed.
	peerEstablished

	// peerDead is terminal: the peer's conn is closed and it is no
	// longer scheduled.
	peerDead
)

// uploadRequest is a pending request(i, o, l) awaiting a piece response
// from the local side.
type uploadRequest struct {
	index, offset, length int
}

// peer is the event-loop-owned state for a single connected remote. It is
// never accessed outside the event-loop goroutine.
type peer struct {
	id    core.PeerID
	conn  *peerConn
	state peerState

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	bitfield *bitfield.Bitfield

	connectedAt time.Time
	lastRecvAt  time.Time
	totalRx     int64

	dlQueueLen  int
	uploadQueue []uploadRequest
}

func newPeer(id core.PeerID, conn *peerConn, numPieces int, now time.Time) *peer {
	return &peer{
		id:          id,
		conn:        conn,
		state:       peerAwaitingBitfield,
		amChoking:   true,
		peerChoking: true,
		bitfield:    bitfield.New(numPieces),
		connectedAt: now,
		lastRecvAt:  now,
	}
}

// rate returns bytes/second received from p, per §4.5's clamped-denominator
// rule: elapsed time is floored at one second so a just-connected peer does
// not produce an artificially enormous rate.
func (p *peer) rate(now time.Time) float64 {
	elapsed := now.Sub(p.connectedAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(p.totalRx) / elapsed
}
