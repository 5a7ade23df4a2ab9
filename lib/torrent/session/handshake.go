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
	"time"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/torrent/wire"
)

// performHandshake exchanges the fixed 68-byte handshake with nc and
// validates the remote's info-hash against infoHash. The initiator writes
// first, per convention; the acceptor reads first.
//
// Grounded on the blocking handshake step of
// lib/torrent/scheduler/conn.Handshaker, generalized from that package's
// protobuf-adjacent bespoke preamble to the literal BT handshake encoded by
// lib/torrent/wire.
func performHandshake(
	nc net.Conn,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	timeout time.Duration,
	initiator bool) (core.PeerID, error) {

	send := func() error {
		return wire.WriteHandshake(nc, wire.Handshake{InfoHash: infoHash, PeerID: localPeerID}, timeout)
	}
	recv := func() (wire.Handshake, error) {
		return wire.ReadHandshake(nc, timeout)
	}

	var hs wire.Handshake
	var err error
	if initiator {
		if err = send(); err != nil {
			return core.PeerID{}, fmt.Errorf("write handshake: %s", err)
		}
		if hs, err = recv(); err != nil {
			return core.PeerID{}, fmt.Errorf("read handshake: %s", err)
		}
	} else {
		if hs, err = recv(); err != nil {
			return core.PeerID{}, fmt.Errorf("read handshake: %s", err)
		}
		if hs.InfoHash != infoHash {
			return core.PeerID{}, fmt.Errorf("info hash mismatch: got %s, want %s", hs.InfoHash, infoHash)
		}
		if err = send(); err != nil {
			return core.PeerID{}, fmt.Errorf("write handshake: %s", err)
		}
		return hs.PeerID, nil
	}

	if hs.InfoHash != infoHash {
		return core.PeerID{}, fmt.Errorf("info hash mismatch: got %s, want %s", hs.InfoHash, infoHash)
	}
	return hs.PeerID, nil
}
