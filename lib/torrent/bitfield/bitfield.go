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

// Package bitfield tracks which pieces of a torrent a peer (local or
// remote) holds. Unlike the wire encoding, bits are addressed in natural
// index order; Encode and Decode convert to and from the wire-format
// packing.
package bitfield

import (
	"fmt"

	"github.com/willf/bitset"
)

// Bitfield records piece possession for a torrent of a known, fixed size.
// It is not safe for concurrent use: all session state, including
// bitfields, is owned exclusively by the event-loop goroutine.
type Bitfield struct {
	b    *bitset.BitSet
	size uint
}

// New creates an empty Bitfield able to hold numPieces bits.
func New(numPieces int) *Bitfield {
	return &Bitfield{b: bitset.New(uint(numPieces)), size: uint(numPieces)}
}

// Len returns the number of pieces this bitfield tracks.
func (f *Bitfield) Len() int {
	return int(f.size)
}

// Has reports whether piece i is held.
func (f *Bitfield) Has(i int) bool {
	if i < 0 || uint(i) >= f.size {
		return false
	}
	return f.b.Test(uint(i))
}

// Set marks piece i as held.
func (f *Bitfield) Set(i int) {
	if i < 0 || uint(i) >= f.size {
		return
	}
	f.b.Set(uint(i))
}

// Clear marks piece i as not held.
func (f *Bitfield) Clear(i int) {
	if i < 0 || uint(i) >= f.size {
		return
	}
	f.b.Clear(uint(i))
}

// Count returns the number of held pieces.
func (f *Bitfield) Count() int {
	return int(f.b.Count())
}

// Complete reports whether every piece is held.
func (f *Bitfield) Complete() bool {
	return f.Count() == f.Len()
}

// Clone returns an independent copy of f.
func (f *Bitfield) Clone() *Bitfield {
	c := &bitset.BitSet{}
	f.b.Copy(c)
	return &Bitfield{b: c, size: f.size}
}

// Encode packs the bitfield into the peer wire format: bit i of byte b
// represents piece 8b + (7-i); trailing padding bits are zero.
func (f *Bitfield) Encode() []byte {
	nbytes := (f.size + 7) / 8
	out := make([]byte, nbytes)
	for i := uint(0); i < f.size; i++ {
		if f.b.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

// Decode unpacks wire-format bytes into a Bitfield of numPieces bits. It
// returns an error if the byte length does not match ceil(numPieces/8).
func Decode(numPieces int, wire []byte) (*Bitfield, error) {
	expected := (numPieces + 7) / 8
	if len(wire) != expected {
		return nil, fmt.Errorf("bitfield length mismatch: expected %d bytes, got %d", expected, len(wire))
	}
	f := New(numPieces)
	for i := uint(0); i < uint(numPieces); i++ {
		byteIdx := i / 8
		bit := wire[byteIdx]&(1<<(7-(i%8))) != 0
		if bit {
			f.b.Set(i)
		}
	}
	return f, nil
}

