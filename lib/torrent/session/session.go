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
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/metainfo"
	"github.com/jpouellet/unworkable/lib/torrent/store"
	"github.com/jpouellet/unworkable/lib/torrent/torrentlog"
	"github.com/jpouellet/unworkable/tracker/announceclient"
	"github.com/jpouellet/unworkable/utils/bandwidth"
	"github.com/jpouellet/unworkable/utils/log"
)

// Session drives the download (and, once complete, seeding) of a single
// torrent: it owns the listening socket, the timers that feed the
// scheduler tick and the tracker announce, and the event loop that
// serializes everything else.
//
// Grounded on lib/torrent/scheduler.scheduler's lifecycle (newScheduler,
// start, Stop), generalized from a multi-torrent scheduler managing many
// dispatchers down to a single torrent's state.
type Session struct {
	config Config
	clk    clock.Clock

	mi   *metainfo.MetaInfo
	fs   *store.FileStore
	pctx core.PeerContext

	state *state
	loop  *liftedEventLoop

	listener net.Listener

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// schedOverrides allows tests to substitute a fake clock and/or dialer.
type schedOverrides struct {
	clk    clock.Clock
	dialer func(addr string, timeout time.Duration) (net.Conn, error)
}

type option func(*schedOverrides)

func withClock(clk clock.Clock) option {
	return func(o *schedOverrides) { o.clk = clk }
}

func withDialer(d func(addr string, timeout time.Duration) (net.Conn, error)) option {
	return func(o *schedOverrides) { o.dialer = d }
}

// Open creates a Session for the given, already-decoded torrent, rooted at
// downloadDir on disk, announcing to the tracker through announce.
func Open(
	config Config,
	mi *metainfo.MetaInfo,
	downloadDir string,
	localPeerID core.PeerID,
	announceIP string,
	announce announceclient.Client,
	stats tally.Scope,
	onComplete func(),
	opts ...option) (*Session, error) {

	config = config.applyDefaults()

	if stats == nil {
		stats = tally.NoopScope
	}

	overrides := &schedOverrides{
		clk:    clock.New(),
		dialer: dialTCP,
	}
	for _, o := range opts {
		o(overrides)
	}

	fs, err := store.Open(downloadDir, mi)
	if err != nil {
		return nil, fmt.Errorf("open piece store: %s", err)
	}

	logger, err := log.New(config.Log, map[string]interface{}{
		"info_hash": mi.InfoHash().Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %s", err)
	}

	_, portStr, err := net.SplitHostPort(config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen addr: %s", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port: %s", err)
	}

	pctx := core.PeerContext{
		IP:     announceIP,
		Port:   port,
		PeerID: localPeerID,
	}

	tlog, err := torrentlog.New(config.Log, mi.InfoHash(), pctx)
	if err != nil {
		return nil, fmt.Errorf("create torrent event logger: %s", err)
	}

	limiter, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		return nil, fmt.Errorf("create bandwidth limiter: %s", err)
	}

	loop := liftEventLoop(newEventLoop())

	s := newState(
		config, overrides.clk, logger.Sugar(), tlog, stats, loop, limiter,
		mi, fs, localPeerID, pctx, announce, overrides.dialer, onComplete)

	return &Session{
		config: config,
		clk:    overrides.clk,
		mi:     mi,
		fs:     fs,
		pctx:   pctx,
		state:  s,
		loop:   loop,
		done:   make(chan struct{}),
	}, nil
}

// Start begins accepting connections, runs the event loop, and performs
// the session's first tracker announce.
func (sess *Session) Start() error {
	l, err := net.Listen("tcp", sess.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	sess.listener = l

	sess.wg.Add(3)
	go sess.runEventLoop()
	go sess.listenLoop()
	go sess.tickerLoop()

	sess.loop.send(startAnnounceEvent{})

	return nil
}

// Stop tears down every peer connection, stops the listener, and blocks
// until the event loop and all background goroutines have exited.
func (sess *Session) Stop() {
	sess.stopOnce.Do(func() {
		if sess.listener != nil {
			sess.listener.Close()
		}
		close(sess.done)
		sess.loop.send(shutdownEvent{})
		sess.loop.stop()
		sess.wg.Wait()
	})
}

func (sess *Session) runEventLoop() {
	defer sess.wg.Done()
	sess.loop.run(sess.state)
}

func (sess *Session) listenLoop() {
	defer sess.wg.Done()
	for {
		nc, err := sess.listener.Accept()
		if err != nil {
			select {
			case <-sess.done:
				return
			default:
				sess.state.logger.Infof("Accept error, exiting listen loop: %s", err)
				return
			}
		}
		go sess.acceptIncoming(nc)
	}
}

func (sess *Session) acceptIncoming(nc net.Conn) {
	addr := nc.RemoteAddr().String()
	remoteID, err := performHandshake(
		nc, sess.pctx.PeerID, sess.mi.InfoHash(), sess.config.HandshakeTimeout, false)
	if err != nil {
		nc.Close()
		sess.loop.send(handshakeFailedEvent{addr, err})
		return
	}
	pc := newPeerConn(
		nc, remoteID, sess.config.SenderBufferSize, sess.config.ReceiverBufferSize,
		sess.loop, sess.state.logger, sess.state.limiter)
	sess.loop.send(peerConnectedEvent{pc: pc})
}

func (sess *Session) tickerLoop() {
	defer sess.wg.Done()
	ticker := sess.clk.Tick(sess.config.TickInterval)
	for {
		select {
		case <-sess.done:
			return
		case <-ticker:
			sess.loop.send(tickEvent{})
		}
	}
}

// dialTCP is the production dialer; tests substitute a fake.
func dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// startAnnounceEvent triggers the session's very first announce, once the
// event loop is up and running.
type startAnnounceEvent struct{}

func (e startAnnounceEvent) apply(s *state) {
	s.startAnnounce("started")
}
