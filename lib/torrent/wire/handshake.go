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
package wire

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jpouellet/unworkable/core"
)

const _protocol = "BitTorrent protocol"

// HandshakeLen is the fixed length of a handshake message.
const HandshakeLen = 1 + len(_protocol) + 8 + 20 + 20

// Handshake is the fixed-layout message exchanged before any framed
// messages are sent.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// EncodeHandshake serializes h into its fixed 68-byte wire form. The 8
// reserved bytes are always zero.
func EncodeHandshake(h Handshake) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(_protocol)))
	buf.WriteString(_protocol)
	buf.Write(make([]byte, 8))
	buf.Write(h.InfoHash.Bytes())
	buf.Write(h.PeerID[:])
	return buf.Bytes()
}

// DecodeHandshake parses a 68-byte handshake read from r. The caller is
// responsible for validating the returned InfoHash against the expected
// torrent.
func DecodeHandshake(r io.Reader) (Handshake, error) {
	var buf [HandshakeLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %s", err)
	}
	if buf[0] != byte(len(_protocol)) {
		return Handshake{}, fmt.Errorf("invalid pstrlen: %d", buf[0])
	}
	if string(buf[1:1+len(_protocol)]) != _protocol {
		return Handshake{}, fmt.Errorf("invalid protocol string: %q", buf[1:1+len(_protocol)])
	}
	off := 1 + len(_protocol) + 8
	var infoHash core.InfoHash
	copy(infoHash[:], buf[off:off+20])
	var peerID core.PeerID
	copy(peerID[:], buf[off+20:off+40])
	return Handshake{InfoHash: infoHash, PeerID: peerID}, nil
}

// WriteHandshake writes h to nc, bounded by timeout.
func WriteHandshake(nc net.Conn, h Handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	_, err := nc.Write(EncodeHandshake(h))
	if err != nil {
		return fmt.Errorf("write handshake: %s", err)
	}
	return nil
}

// ReadHandshake reads a Handshake from nc, bounded by timeout.
func ReadHandshake(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set read deadline: %s", err)
	}
	return DecodeHandshake(nc)
}
