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
	"fmt"

	"github.com/jpouellet/unworkable/core"
)

// reconcilePeers dials every tracker-supplied peer we are not already
// connected or connecting to. Peers absent from a fresh list are not
// dropped or disconnected here; a connected peer leaves the peer table only
// through the tick's inactivity timeout or when its connection closes.
func (s *state) reconcilePeers(infos []*core.PeerInfo) {
	for _, info := range infos {
		addr := fmt.Sprintf("%s:%d", info.IP, info.Port)
		if s.connecting[addr] || s.knownAddrs[addr] {
			continue
		}
		s.dialOutgoing(addr)
	}
}

// dialOutgoing initiates a non-blocking (from the event loop's point of
// view) outgoing connection attempt: the actual dial and handshake happen
// on a spawned goroutine, which reports its outcome back as an event.
//
// Grounded on scheduler.go's initializeOutgoingHandshake, which likewise
// performs blocking handshake I/O off the event-loop goroutine and feeds
// the result back through the lifted event loop.
func (s *state) dialOutgoing(addr string) {
	s.connecting[addr] = true

	localPeerID := s.localPeerID
	infoHash := s.mi.InfoHash()
	timeout := s.config.HandshakeTimeout
	senderBuf := s.config.SenderBufferSize
	receiverBuf := s.config.ReceiverBufferSize
	loop := s.loop
	logger := s.logger
	dialer := s.dialer
	limiter := s.limiter

	go func() {
		nc, err := dialer(addr, timeout)
		if err != nil {
			loop.send(outgoingDialFailedEvent{addr, err})
			return
		}
		remoteID, err := performHandshake(nc, localPeerID, infoHash, timeout, true)
		if err != nil {
			nc.Close()
			loop.send(outgoingDialFailedEvent{addr, err})
			return
		}
		pc := newPeerConn(nc, remoteID, senderBuf, receiverBuf, loop, logger, limiter)
		loop.send(peerConnectedEvent{pc: pc, addr: addr})
	}()
}

// startAnnounce performs a (blocking) tracker announce on a spawned
// goroutine and reports the outcome back as an event, exactly mirroring
// how handshakes are kept off the event-loop goroutine.
func (s *state) startAnnounce(event string) {
	s.announceInFlight = true

	h := s.mi.InfoHash()
	pctx := s.pctx
	uploaded := s.uploaded
	downloaded := s.downloaded
	left := s.left()
	client := s.announce
	loop := s.loop

	go func() {
		peers, _, err := client.Announce(h, pctx, uploaded, downloaded, left, event)
		if err != nil {
			loop.send(announceErrEvent{err})
			return
		}
		loop.send(announceResultEvent{peers})
	}()
}

// outgoingDialFailedEvent occurs when a dial or outgoing handshake attempt
// does not succeed.
type outgoingDialFailedEvent struct {
	addr string
	err  error
}

func (e outgoingDialFailedEvent) apply(s *state) {
	delete(s.connecting, e.addr)
	s.logger.Infof("Outgoing connection to %s failed: %s", e.addr, e.err)
	s.tlog.HandshakeFailed(e.addr, e.err)
	s.stats.Counter("handshake_failures").Inc(1)
}
