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

// Package wire implements the BitTorrent peer wire protocol: the fixed
// handshake and the length-prefixed message framing used for everything
// that follows it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameLength is the smallest length prefix the codec rejects, treating
// the sender as malicious. 16 MiB; accepted frames are strictly shorter.
const MaxFrameLength = 16 << 20

// MaxBlockLength is the largest block length this implementation will ever
// request or honor in a request message. 128 KiB, per convention.
const MaxBlockLength = 128 << 10

// ID identifies the kind of a Message.
type ID byte

// Message kinds, per the peer wire protocol.
const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Message is a single framed peer wire message, decoded from the wire. A
// zero value Message (ID == 0) is a Choke, not a keep-alive: keep-alives are
// distinguished at the frame level, and Decode reports one with a nil
// Message and ok == false.
type Message struct {
	ID ID

	// Index is populated for Have, Bitfield (unused), Request, Piece, Cancel.
	Index uint32

	// Offset is populated for Request, Piece, Cancel.
	Offset uint32

	// Length is populated for Request and Cancel.
	Length uint32

	// BitfieldBytes is populated for Bitfield.
	BitfieldBytes []byte

	// Block is populated for Piece.
	Block []byte
}

// HaveMsg returns a have message.
func HaveMsg(index uint32) *Message { return &Message{ID: Have, Index: index} }

// BitfieldMsg returns a bitfield message.
func BitfieldMsg(b []byte) *Message { return &Message{ID: Bitfield, BitfieldBytes: b} }

// RequestMsg returns a request message.
func RequestMsg(index, offset, length uint32) *Message {
	return &Message{ID: Request, Index: index, Offset: offset, Length: length}
}

// PieceMsg returns a piece message.
func PieceMsg(index, offset uint32, block []byte) *Message {
	return &Message{ID: Piece, Index: index, Offset: offset, Block: block}
}

// CancelMsg returns a cancel message.
func CancelMsg(index, offset, length uint32) *Message {
	return &Message{ID: Cancel, Index: index, Offset: offset, Length: length}
}

// ChokeMsg, UnchokeMsg, InterestedMsg, NotInterestedMsg are the zero-payload
// message constructors.
func ChokeMsg() *Message         { return &Message{ID: Choke} }
func UnchokeMsg() *Message       { return &Message{ID: Unchoke} }
func InterestedMsg() *Message    { return &Message{ID: Interested} }
func NotInterestedMsg() *Message { return &Message{ID: NotInterested} }

// Encode serializes m into its length-prefixed wire form.
func Encode(m *Message) ([]byte, error) {
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		payload = []byte{byte(m.ID)}
	case Have:
		payload = make([]byte, 5)
		payload[0] = byte(m.ID)
		binary.BigEndian.PutUint32(payload[1:], m.Index)
	case Bitfield:
		payload = make([]byte, 1+len(m.BitfieldBytes))
		payload[0] = byte(m.ID)
		copy(payload[1:], m.BitfieldBytes)
	case Request, Cancel:
		payload = make([]byte, 13)
		payload[0] = byte(m.ID)
		binary.BigEndian.PutUint32(payload[1:5], m.Index)
		binary.BigEndian.PutUint32(payload[5:9], m.Offset)
		binary.BigEndian.PutUint32(payload[9:13], m.Length)
	case Piece:
		payload = make([]byte, 9+len(m.Block))
		payload[0] = byte(m.ID)
		binary.BigEndian.PutUint32(payload[1:5], m.Index)
		binary.BigEndian.PutUint32(payload[5:9], m.Offset)
		copy(payload[9:], m.Block)
	default:
		return nil, fmt.Errorf("unknown message id: %d", m.ID)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// Decode parses a message payload (without the length prefix) into a
// Message. An empty payload represents a keep-alive and is reported via ok
// == false.
func Decode(payload []byte) (m *Message, ok bool, err error) {
	if len(payload) == 0 {
		return nil, false, nil
	}
	id := ID(payload[0])
	body := payload[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			return nil, true, fmt.Errorf("%s: unexpected payload of length %d", id, len(body))
		}
		return &Message{ID: id}, true, nil
	case Have:
		if len(body) != 4 {
			return nil, true, fmt.Errorf("have: payload length %d != 4", len(body))
		}
		return &Message{ID: id, Index: binary.BigEndian.Uint32(body)}, true, nil
	case Bitfield:
		b := make([]byte, len(body))
		copy(b, body)
		return &Message{ID: id, BitfieldBytes: b}, true, nil
	case Request, Cancel:
		if len(body) != 12 {
			return nil, true, fmt.Errorf("%s: payload length %d != 12", id, len(body))
		}
		return &Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Offset: binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, true, nil
	case Piece:
		if len(body) < 8 {
			return nil, true, fmt.Errorf("piece: payload length %d < 8", len(body))
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		return &Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Offset: binary.BigEndian.Uint32(body[4:8]),
			Block:  block,
		}, true, nil
	default:
		return nil, true, fmt.Errorf("unknown message id: %d", id)
	}
}

// ReadFrame reads one length-prefixed frame from nc. A frame length of zero
// is a keep-alive and is returned as a nil, non-error payload. A frame
// length at or above MaxFrameLength is reported as an error without reading
// or allocating the payload.
func ReadFrame(nc net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %s", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n >= MaxFrameLength {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, MaxFrameLength)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(nc, payload); err != nil {
		return nil, fmt.Errorf("read payload: %s", err)
	}
	return payload, nil
}

// WriteFrame writes payload to nc with its 4-byte length prefix. A nil or
// empty payload sends a keep-alive.
func WriteFrame(nc net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := nc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	for len(payload) > 0 {
		n, err := nc.Write(payload)
		if err != nil {
			return fmt.Errorf("write payload: %s", err)
		}
		payload = payload[n:]
	}
	return nil
}

// WriteFrameWithTimeout is WriteFrame bounded by a write deadline. The net
// package only honors the system clock for deadlines, so this does not go
// through the injected clock.Clock.
func WriteFrameWithTimeout(nc net.Conn, payload []byte, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return WriteFrame(nc, payload)
}

// ReadFrameWithTimeout is ReadFrame bounded by a read deadline.
func ReadFrameWithTimeout(nc net.Conn, timeout time.Duration) ([]byte, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return ReadFrame(nc)
}
