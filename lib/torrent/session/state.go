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
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/bitfield"
	"github.com/jpouellet/unworkable/lib/torrent/gimme"
	"github.com/jpouellet/unworkable/lib/torrent/metainfo"
	"github.com/jpouellet/unworkable/lib/torrent/piecedl"
	"github.com/jpouellet/unworkable/lib/torrent/store"
	"github.com/jpouellet/unworkable/lib/torrent/torrentlog"
	"github.com/jpouellet/unworkable/tracker/announceclient"
	"github.com/jpouellet/unworkable/utils/bandwidth"
)

// state holds every piece of mutable data the event loop owns. It is
// created once per Session and mutated exclusively from within event.apply
// methods running on the event-loop goroutine; see the package doc for the
// concurrency rationale.
type state struct {
	config  Config
	clk     clock.Clock
	logger  *zap.SugaredLogger
	tlog    *torrentlog.Logger
	stats   tally.Scope
	loop    *liftedEventLoop
	limiter *bandwidth.Limiter

	mi    *metainfo.MetaInfo
	store *store.FileStore
	reg   *piecedl.Registry
	sel   *gimme.Selector
	local *bitfield.Bitfield

	localPeerID core.PeerID
	pctx        core.PeerContext
	announce    announceclient.Client

	peers map[core.PeerID]*peer

	goodPieces int
	uploaded   int64
	downloaded int64

	lastChokeAt      time.Time
	lastOptimisticAt time.Time
	lastAnnounceAt   time.Time
	announceInFlight bool

	// connecting tracks peer addresses with an outgoing connection or
	// handshake already in progress, so reconcilePeers does not dial
	// the same address twice across announces. knownAddrs additionally
	// tracks addresses of already-established peers.
	connecting map[string]bool
	knownAddrs map[string]bool

	// dialer is called to initiate an outgoing connection; overridden in
	// tests to avoid real networking. Framed as a field rather than a
	// package-level var so each Session's state is independently
	// testable.
	dialer func(addr string, timeout time.Duration) (net.Conn, error)

	// onComplete is invoked exactly once, the first time every piece
	// passes hash verification.
	onComplete func()
	completed  bool
	startedAt  time.Time
}

func newState(
	config Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger,
	stats tally.Scope,
	loop *liftedEventLoop,
	limiter *bandwidth.Limiter,
	mi *metainfo.MetaInfo,
	fs *store.FileStore,
	localPeerID core.PeerID,
	pctx core.PeerContext,
	announce announceclient.Client,
	dialer func(addr string, timeout time.Duration) (net.Conn, error),
	onComplete func()) *state {

	local := fs.Bitfield()
	goodPieces := local.Count()

	stats = stats.Tagged(map[string]string{
		"module": "session",
	})

	return &state{
		config:      config,
		clk:         clk,
		logger:      logger,
		tlog:        tlog,
		stats:       stats,
		loop:        loop,
		limiter:     limiter,
		mi:          mi,
		store:       fs,
		reg:         piecedl.New(),
		sel:         gimme.NewSelector(clk, mi.NumPieces(), func(i int) int { return int(mi.PieceLength(i)) }),
		local:       local,
		localPeerID: localPeerID,
		pctx:        pctx,
		announce:    announce,
		peers:       make(map[core.PeerID]*peer),
		goodPieces:  goodPieces,
		connecting:  make(map[string]bool),
		knownAddrs:  make(map[string]bool),
		dialer:      dialer,
		onComplete:  onComplete,
		completed:   local.Complete(),
		startedAt:   clk.Now(),
	}
}

// peerBitfields returns the bitfields of every ESTABLISHED peer, for
// gimme's rarity computation.
func (s *state) peerBitfields() []*bitfield.Bitfield {
	var bfs []*bitfield.Bitfield
	for _, p := range s.peers {
		if p.state == peerEstablished {
			bfs = append(bfs, p.bitfield)
		}
	}
	return bfs
}

// removePeer tears down p: closes its conn, orphans its piece-download
// records, and removes it from the peer table.
func (s *state) removePeer(id core.PeerID) {
	p, ok := s.peers[id]
	if !ok {
		return
	}
	delete(s.peers, id)
	delete(s.knownAddrs, p.conn.remoteAddr)
	p.state = peerDead
	s.reg.OrphanPeer(id)
	p.conn.Close()
	s.tlog.PeerDisconnected(id)
	s.stats.Counter("peer_disconnects").Inc(1)
	s.stats.Gauge("connected_peers").Update(float64(len(s.peers)))
	s.adjustBandwidthShare()
}

// adjustBandwidthShare divides the session's configured bandwidth budget
// evenly across every currently-connected peer.
func (s *state) adjustBandwidthShare() {
	denom := len(s.peers)
	if denom < 1 {
		denom = 1
	}
	s.limiter.Adjust(denom)
}

// left returns the number of bytes remaining to download across the whole
// torrent, derived from the local bitfield rather than tracked independently, so it
// can never drift from the piece store's own notion of completion.
func (s *state) left() int64 {
	total := s.mi.Length()
	var have int64
	for i := 0; i < s.mi.NumPieces(); i++ {
		if s.local.Has(i) {
			have += s.mi.PieceLength(i)
		}
	}
	return total - have
}

// checkComplete fires onComplete the first time every piece has passed
// hash verification.
func (s *state) checkComplete() {
	if s.completed || !s.local.Complete() {
		return
	}
	s.completed = true
	s.tlog.TorrentCompleted(s.mi.Length(), s.clk.Now().Sub(s.startedAt))
	s.stats.Counter("torrents_completed").Inc(1)
	if s.onComplete != nil {
		s.onComplete()
	}
}
