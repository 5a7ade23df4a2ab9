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

// Package session implements the single-torrent scheduler: a
// single-threaded cooperative event loop that owns every piece of mutable
// torrent state (connected peers, the piece-download registry, the piece
// store, the rarity cache) and is fed by per-connection goroutines and
// timers, never touched by any other goroutine directly.
//
// Grounded on lib/torrent/scheduler's event/eventLoop/state architecture
// (scheduler.go, events.go), generalized from multi-torrent, multi-conn
// dispatch to a single torrent and rewritten against the classic BT wire
// protocol (lib/torrent/wire) instead of the teacher's protobuf p2p codec.
package session

import (
	"errors"
	"time"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/wire"
)

// ErrSessionStopped is returned by operations attempted against a stopped
// Session.
var ErrSessionStopped = errors.New("session has been stopped")

// ErrSendEventTimedOut is returned when sendTimeout could not deliver an
// event before its deadline.
var ErrSendEventTimedOut = errors.New("event loop send timed out")

// event describes an external occurrence which mutates state. While an
// event is applying, it is guaranteed to be the only accessor of state.
type event interface {
	apply(*state)
}

// eventLoop serializes events onto a single state.
type eventLoop interface {
	send(event) bool
	sendTimeout(e event, timeout time.Duration) error
	run(*state)
	stop()
}

type baseEventLoop struct {
	events chan event
	done   chan struct{}
}

func newEventLoop() *baseEventLoop {
	return &baseEventLoop{
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// send delivers e to the loop. Must never be called from within an
// apply method running on the same loop, else deadlock. Returns false if
// the loop has stopped.
func (l *baseEventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

func (l *baseEventLoop) sendTimeout(e event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.events <- e:
		return nil
	case <-l.done:
		return ErrSessionStopped
	case <-timer.C:
		return ErrSendEventTimedOut
	}
}

func (l *baseEventLoop) run(s *state) {
	for {
		select {
		case e := <-l.events:
			e.apply(s)
		case <-l.done:
			return
		}
	}
}

func (l *baseEventLoop) stop() {
	close(l.done)
}

// liftedEventLoop exposes named convenience senders to goroutines other
// than the event loop (peerConn's ConnClosed callback, timer goroutines), mirroring
// liftedEventLoop in the teacher.
type liftedEventLoop struct {
	eventLoop
}

func liftEventLoop(l eventLoop) *liftedEventLoop {
	return &liftedEventLoop{l}
}

// ConnClosed implements connEvents.
func (l *liftedEventLoop) ConnClosed(pc *peerConn) {
	l.send(connClosedEvent{pc})
}

// connClosedEvent occurs when a peerConn's socket I/O has stopped, whether
// due to a remote close, a protocol error, or a local Close call.
type connClosedEvent struct {
	pc *peerConn
}

func (e connClosedEvent) apply(s *state) {
	p, ok := s.peers[e.pc.PeerID()]
	if !ok || p.conn != e.pc {
		// Already replaced or removed (e.g. reaped by the tick).
		return
	}
	s.removePeer(p.id)
}

// peerConnectedEvent occurs once a handshake completes successfully,
// whether the connection was accepted or dialed locally. addr is set only
// for outgoing connections, whose pending-dial bookkeeping it clears.
type peerConnectedEvent struct {
	pc   *peerConn
	addr string
}

func (e peerConnectedEvent) apply(s *state) {
	if e.addr != "" {
		delete(s.connecting, e.addr)
	}
	if _, exists := s.peers[e.pc.PeerID()]; exists {
		// Duplicate connection to a peer we already have; keep the
		// existing one.
		e.pc.Close()
		return
	}
	p := newPeer(e.pc.PeerID(), e.pc, s.mi.NumPieces(), s.clk.Now())
	s.peers[p.id] = p
	s.knownAddrs[e.pc.remoteAddr] = true
	s.tlog.PeerConnected(p.id, e.pc.remoteAddr, e.addr == "")
	s.stats.Counter("peer_connects").Inc(1)
	s.stats.Gauge("connected_peers").Update(float64(len(s.peers)))
	s.adjustBandwidthShare()
	e.pc.Start()
	if s.local.Count() > 0 {
		e.pc.Send(bitfieldWireMsg(s.local))
	}

	loop := s.loop
	pc := e.pc
	go func() {
		for msg := range pc.Receiver() {
			loop.send(peerMessageEvent{pc, msg})
		}
	}()
}

// handshakeFailedEvent occurs when an incoming handshake attempt did not
// complete successfully; there is no peer to clean up.
type handshakeFailedEvent struct {
	addr string
	err  error
}

func (e handshakeFailedEvent) apply(s *state) {
	s.logger.Infof("Handshake failed: %s", e.err)
	s.tlog.HandshakeFailed(e.addr, e.err)
	s.stats.Counter("handshake_failures").Inc(1)
}

// peerMessageEvent occurs when a framed message arrives from an
// established conn. A nil msg is a keep-alive: it carries nothing to
// dispatch but still counts as a successful read for liveness (§4.2).
type peerMessageEvent struct {
	pc  *peerConn
	msg *wire.Message
}

func (e peerMessageEvent) apply(s *state) {
	p, ok := s.peers[e.pc.PeerID()]
	if !ok || p.conn != e.pc || p.state == peerDead {
		return
	}
	if e.msg == nil {
		p.lastRecvAt = s.clk.Now()
		return
	}
	s.handleMessage(p, e.msg)
}

// tickEvent drives the once-per-second scheduler tick.
type tickEvent struct{}

func (e tickEvent) apply(s *state) {
	s.tick()
}

// announceResultEvent occurs when a (blocking) announce call completes
// successfully.
type announceResultEvent struct {
	peerInfos []*core.PeerInfo
}

func (e announceResultEvent) apply(s *state) {
	s.announceInFlight = false
	s.lastAnnounceAt = s.clk.Now()
	s.reconcilePeers(e.peerInfos)
}

// announceErrEvent occurs when a (blocking) announce call fails.
type announceErrEvent struct {
	err error
}

func (e announceErrEvent) apply(s *state) {
	s.announceInFlight = false
	s.logger.Infof("Announce failed: %s", e.err)
}

// shutdownEvent triggers an orderly shutdown of all peer connections; the
// event loop itself is stopped by the caller after this event applies.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *state) {
	for _, p := range s.peers {
		p.conn.Close()
	}
}
