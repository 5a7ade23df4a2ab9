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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/wire"
	"github.com/jpouellet/unworkable/utils/bandwidth"
)

// connEvents receives lifecycle notifications from a peerConn. Implemented
// by the session's liftedEventLoop.
type connEvents interface {
	ConnClosed(*peerConn)
}

// peerConn manages framed message I/O with a single handshaken peer over a
// TCP socket: a read loop feeding a receiver channel, and a write loop
// draining a sender channel, so that socket I/O never happens on the
// event-loop goroutine. Both loops reserve bandwidth from the session-wide
// limiter before moving each frame, since that reservation can block.
//
// Grounded on lib/torrent/scheduler/conn.Conn, generalized from the
// teacher's protobuf-framed, multi-torrent p2p.Message codec to the
// single-torrent lib/torrent/wire length-prefixed Message codec.
type peerConn struct {
	peerID     core.PeerID
	remoteAddr string
	createdAt  time.Time

	events connEvents
	nc     net.Conn

	startOnce sync.Once

	sender   chan *wire.Message
	receiver chan *wire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	logger  *zap.SugaredLogger
	limiter *bandwidth.Limiter
}

func newPeerConn(
	nc net.Conn,
	peerID core.PeerID,
	senderBufferSize, receiverBufferSize int,
	events connEvents,
	logger *zap.SugaredLogger,
	limiter *bandwidth.Limiter) *peerConn {

	return &peerConn{
		peerID:     peerID,
		remoteAddr: nc.RemoteAddr().String(),
		createdAt:  time.Now(),
		events:     events,
		nc:         nc,
		sender:     make(chan *wire.Message, senderBufferSize),
		receiver:   make(chan *wire.Message, receiverBufferSize),
		closed:     atomic.NewBool(false),
		done:       make(chan struct{}),
		logger:     logger,
		limiter:    limiter,
	}
}

// Start begins read/write pumping. Once started, pc may close itself upon
// any socket error.
func (pc *peerConn) Start() {
	pc.startOnce.Do(func() {
		pc.wg.Add(2)
		go pc.readLoop()
		go pc.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (pc *peerConn) PeerID() core.PeerID {
	return pc.peerID
}

// Receiver returns a read-only channel of messages received from the peer.
func (pc *peerConn) Receiver() <-chan *wire.Message {
	return pc.receiver
}

func (pc *peerConn) String() string {
	return fmt.Sprintf("peerConn(peer=%s)", pc.peerID)
}

// Send enqueues msg for transmission to the peer. Returns an error if pc is
// closed or its send buffer is full.
func (pc *peerConn) Send(msg *wire.Message) error {
	select {
	case <-pc.done:
		return errors.New("conn closed")
	case pc.sender <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close starts the (possibly already in-progress) shutdown sequence.
func (pc *peerConn) Close() {
	if !pc.closed.CAS(false, true) {
		return
	}
	go func() {
		close(pc.done)
		pc.nc.Close()
		pc.wg.Wait()
		pc.events.ConnClosed(pc)
	}()
}

// IsClosed reports whether Close has been called.
func (pc *peerConn) IsClosed() bool {
	return pc.closed.Load()
}

func (pc *peerConn) readLoop() {
	defer func() {
		close(pc.receiver)
		pc.wg.Done()
		pc.Close()
	}()

	for {
		payload, err := wire.ReadFrame(pc.nc)
		if err != nil {
			pc.log().Infof("Error reading frame, exiting read loop: %s", err)
			return
		}
		if err := pc.limiter.ReserveIngress(int64(len(payload))); err != nil {
			pc.log().Infof("Error reserving ingress bandwidth, exiting read loop: %s", err)
			return
		}
		msg, ok, err := wire.Decode(payload)
		if err != nil {
			pc.log().Infof("Error decoding message, exiting read loop: %s", err)
			return
		}
		if !ok {
			// Keep-alive: carries no message to dispatch, but a nil send
			// still reaches peerMessageEvent so lastRecvAt is refreshed.
			select {
			case pc.receiver <- nil:
			case <-pc.done:
				return
			}
			continue
		}
		select {
		case pc.receiver <- msg:
		case <-pc.done:
			return
		}
	}
}

func (pc *peerConn) writeLoop() {
	defer func() {
		pc.wg.Done()
		pc.Close()
	}()

	for {
		select {
		case <-pc.done:
			return
		case msg := <-pc.sender:
			frame, err := wire.Encode(msg)
			if err != nil {
				pc.log().Errorf("Error encoding message, exiting write loop: %s", err)
				return
			}
			if err := pc.limiter.ReserveEgress(int64(len(frame))); err != nil {
				pc.log().Infof("Error reserving egress bandwidth, exiting write loop: %s", err)
				return
			}
			if _, err := pc.nc.Write(frame); err != nil {
				pc.log().Infof("Error writing frame, exiting write loop: %s", err)
				return
			}
		}
	}
}

func (pc *peerConn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", pc.peerID)
	return pc.logger.With(keysAndValues...)
}
