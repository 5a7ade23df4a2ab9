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
	"bytes"
	"crypto/sha1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/metainfo"
	"github.com/jpouellet/unworkable/lib/torrent/store"
	"github.com/jpouellet/unworkable/lib/torrent/torrentlog"
	"github.com/jpouellet/unworkable/lib/torrent/wire"
	"github.com/jpouellet/unworkable/utils/bandwidth"
)

const testPieceLength = 16384

func fixtureMetaInfo(t *testing.T, numPieces int) *metainfo.MetaInfo {
	content := bytes.Repeat([]byte("x"), testPieceLength*numPieces)

	var pieces bytes.Buffer
	for i := 0; i < len(content); i += testPieceLength {
		sum := sha1.Sum(content[i : i+testPieceLength])
		pieces.Write(sum[:])
	}

	info := map[string]interface{}{
		"piece length": int64(testPieceLength),
		"pieces":       pieces.String(),
		"name":         "fixture.bin",
		"length":       int64(len(content)),
	}
	top := map[string]interface{}{"announce": "http://t", "info": info}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, top))

	mi, err := metainfo.Decode(buf.Bytes())
	require.NoError(t, err)
	return mi
}

type fakeAnnounceClient struct {
	calls int
	peers []*core.PeerInfo
	err   error
}

func (f *fakeAnnounceClient) Announce(
	h core.InfoHash,
	pctx core.PeerContext,
	uploaded, downloaded, left int64,
	event string) ([]*core.PeerInfo, time.Duration, error) {

	f.calls++
	return f.peers, time.Minute, f.err
}

func newTestState(t *testing.T, numPieces int) *state {
	mi := fixtureMetaInfo(t, numPieces)
	fs, err := store.Open(t.TempDir(), mi)
	require.NoError(t, err)

	loop := liftEventLoop(newEventLoop())
	clk := clock.NewMock()

	dialer := func(addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("dial disabled in tests")
	}

	limiter, err := bandwidth.NewLimiter(bandwidth.Config{})
	require.NoError(t, err)

	s := newState(
		Config{}.applyDefaults(), clk, zap.NewNop().Sugar(), torrentlog.NewNopLogger(),
		tally.NoopScope, loop, limiter,
		mi, fs, core.PeerIDFixture(), core.PeerContext{IP: "10.0.0.1", Port: 6668},
		&fakeAnnounceClient{}, dialer, nil)
	return s
}

func newTestPeer(t *testing.T, s *state) *peer {
	local, _ := net.Pipe()
	pc := newPeerConn(local, core.PeerIDFixture(), 50, 50, s.loop, zap.NewNop().Sugar(), s.limiter)
	p := newPeer(pc.PeerID(), pc, s.mi.NumPieces(), s.clk.Now())
	s.peers[p.id] = p
	return p
}

func drainSend(t *testing.T, pc *peerConn) *wire.Message {
	select {
	case m := <-pc.sender:
		return m
	default:
		t.Fatal("expected a queued outgoing message")
		return nil
	}
}

func TestHandleBitfieldTransitionsAndSendsInterested(t *testing.T) {
	s := newTestState(t, 3)
	p := newTestPeer(t, s)

	bf, err := newLocalBitfieldAllSet(3)
	require.NoError(t, err)

	s.handleMessage(p, wire.BitfieldMsg(bf))
	require.Equal(t, peerEstablished, p.state)
	require.True(t, p.amInterested)

	msg := drainSend(t, p.conn)
	require.Equal(t, wire.Interested, msg.ID)
}

func newLocalBitfieldAllSet(numPieces int) ([]byte, error) {
	nbytes := (numPieces + 7) / 8
	b := make([]byte, nbytes)
	for i := 0; i < numPieces; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	return b, nil
}

func TestHandlePieceCompletesAndBroadcastsHave(t *testing.T) {
	s := newTestState(t, 2)
	p := newTestPeer(t, s)
	p.state = peerEstablished

	content := bytes.Repeat([]byte("x"), testPieceLength)
	_, err := s.reg.Create(p.id, 0, 0, testPieceLength)
	require.NoError(t, err)

	s.handleMessage(p, wire.PieceMsg(0, 0, content))

	require.True(t, s.local.Has(0))
	require.Equal(t, 1, s.goodPieces)
	require.Equal(t, 0, s.reg.Len())

	msg := drainSend(t, p.conn)
	require.Equal(t, wire.Have, msg.ID)
	require.Equal(t, uint32(0), msg.Index)
}

func TestHandlePieceIgnoresUnregisteredBlock(t *testing.T) {
	s := newTestState(t, 2)
	p := newTestPeer(t, s)
	p.state = peerEstablished

	before := s.goodPieces
	s.handleMessage(p, wire.PieceMsg(0, 0, bytes.Repeat([]byte("y"), testPieceLength)))
	require.Equal(t, before, s.goodPieces)
	require.False(t, s.local.Has(0))
}

func TestRecomputeChokeUnchokesTopRatedInterestedPeers(t *testing.T) {
	s := newTestState(t, 4)
	s.config.MaxFastUnchoked = 1

	fast := newTestPeer(t, s)
	fast.state = peerEstablished
	fast.peerInterested = true
	fast.totalRx = 1 << 20
	fast.connectedAt = s.clk.Now().Add(-10 * time.Second)

	slow := newTestPeer(t, s)
	slow.state = peerEstablished
	slow.peerInterested = true
	slow.totalRx = 1
	slow.connectedAt = s.clk.Now().Add(-10 * time.Second)

	uninterested := newTestPeer(t, s)
	uninterested.state = peerEstablished
	uninterested.peerInterested = false

	s.recomputeChoke(s.clk.Now())

	require.False(t, fast.amChoking)
	require.True(t, slow.amChoking)
	require.True(t, uninterested.amChoking)
}

func TestOptimisticUnchokeChoosesAChokedInterestedPeer(t *testing.T) {
	s := newTestState(t, 2)

	a := newTestPeer(t, s)
	a.state = peerEstablished
	a.peerInterested = true
	a.amChoking = true

	b := newTestPeer(t, s)
	b.state = peerEstablished
	b.peerInterested = false
	b.amChoking = true

	s.optimisticUnchoke()

	require.False(t, a.amChoking)
	require.True(t, b.amChoking)
}

func TestIsEndgameFalseUntilEveryPieceIsHeldOrFullyAssigned(t *testing.T) {
	s := newTestState(t, 2)
	require.False(t, s.isEndgame())

	peerID := core.PeerIDFixture()
	_, err := s.reg.Create(peerID, 0, 0, testPieceLength)
	require.NoError(t, err)
	require.False(t, s.isEndgame())

	s.local.Set(1)
	require.True(t, s.isEndgame())
}

func TestDriveEndgameSendsDuplicateRequestToSecondPeer(t *testing.T) {
	s := newTestState(t, 2)

	a := newTestPeer(t, s)
	a.state = peerEstablished
	a.peerChoking = false
	a.bitfield.Set(0)

	b := newTestPeer(t, s)
	b.state = peerEstablished
	b.peerChoking = false
	b.bitfield.Set(0)

	s.local.Set(1)
	_, err := s.reg.Create(a.id, 0, 0, testPieceLength)
	require.NoError(t, err)
	require.True(t, s.isEndgame())

	s.driveEndgame()

	msg := drainSend(t, b.conn)
	require.Equal(t, wire.Request, msg.ID)
	require.Equal(t, uint32(0), msg.Index)
	require.Equal(t, uint32(0), msg.Offset)

	pdA, ok := s.reg.FindForPeer(a.id, 0, 0)
	require.True(t, ok)
	pdB, ok := s.reg.FindForPeer(b.id, 0, 0)
	require.True(t, ok)
	require.NotSame(t, pdA, pdB)
	require.Equal(t, 2, s.reg.Len())
}

func TestRefillRequestsBlocksWhileUnchokedAndIncomplete(t *testing.T) {
	s := newTestState(t, 4)
	p := newTestPeer(t, s)
	p.state = peerEstablished
	p.peerChoking = false
	for i := 0; i < 4; i++ {
		p.bitfield.Set(i)
	}

	s.refill(p, s.clk.Now())

	require.True(t, p.dlQueueLen >= 2)
	msg := drainSend(t, p.conn)
	require.Equal(t, wire.Request, msg.ID)
}

func TestRefillDoesNothingWhilePeerChoking(t *testing.T) {
	s := newTestState(t, 4)
	p := newTestPeer(t, s)
	p.state = peerEstablished
	p.peerChoking = true

	s.refill(p, s.clk.Now())
	require.Equal(t, 0, p.dlQueueLen)
}

func TestMaybeTopUpTriggersAnnounceBelowTargetPeerCount(t *testing.T) {
	s := newTestState(t, 2)
	s.config.TargetPeers = 5
	s.config.MinAnnounceInterval = 0

	s.maybeTopUp(s.clk.Now())
	require.True(t, s.announceInFlight)
}

func TestBandwidthShareRebalancesAsPeersConnectAndDisconnect(t *testing.T) {
	s := newTestState(t, 2)
	limiter, err := bandwidth.NewLimiter(bandwidth.Config{
		Enable:            true,
		EgressBitsPerSec:  8000,
		IngressBitsPerSec: 8000,
		TokenSize:         1,
	})
	require.NoError(t, err)
	s.limiter = limiter

	solo := s.limiter.EgressLimit()

	a := newTestPeer(t, s)
	s.adjustBandwidthShare()
	require.Equal(t, solo, s.limiter.EgressLimit())

	newTestPeer(t, s)
	s.adjustBandwidthShare()
	require.Equal(t, solo/2, s.limiter.EgressLimit())

	s.removePeer(a.id)
	require.Equal(t, solo, s.limiter.EgressLimit())
}

func TestMaybeTopUpSkipsWhenAlreadyAnnouncing(t *testing.T) {
	s := newTestState(t, 2)
	s.config.TargetPeers = 5
	s.announceInFlight = true

	s.maybeTopUp(s.clk.Now())
	// Still true only because it was already true; no new announce was
	// started (there is nothing observable to assert beyond not
	// panicking on a nil dialer/announce client being invoked twice).
	require.True(t, s.announceInFlight)
}
