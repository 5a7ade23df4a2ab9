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

// Package metainfo decodes .torrent files: the bencoded dict describing
// a torrent's name, piece length, per-piece SHA-1 hashes, and file
// layout (single-file or multi-file).
//
// Grounded on core/metainfo.go's info/MetaInfo split and its
// bencode-then-hash InfoHash computation, generalized from kraken's
// single-blob CRC32 PieceSums model to the real BT info dict: SHA-1
// per-piece hashes packed as a concatenated byte string, and either a
// "length" (single-file) or "files" (multi-file) key.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/jackpal/bencode-go"

	"github.com/jpouellet/unworkable/core"
)

// FileEntry describes one file within a multi-file torrent.
type FileEntry struct {
	Length int64
	Path   []string
}

// rawFile mirrors the bencoded file dict of a multi-file info section.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dict, used only to pull typed
// field values back out once the canonical info bytes are known.
type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

// MetaInfo holds a fully decoded and validated .torrent file.
type MetaInfo struct {
	infoHash    core.InfoHash
	name        string
	pieceLength int64
	pieces      [][20]byte
	length      int64
	files       []FileEntry
	announce    string
}

// Decode parses a .torrent file from b.
//
// The info hash is computed over the "info" sub-dict re-marshaled on
// its own: bencode dict keys are sorted lexicographically on encode,
// which reproduces the exact canonical bytes a conforming .torrent
// file's info dict must already be in, regardless of this package's
// own struct field order.
func Decode(b []byte) (*MetaInfo, error) {
	var top map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(b), &top); err != nil {
		return nil, fmt.Errorf("unmarshal metainfo: %s", err)
	}

	infoMap, ok := top["info"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or malformed info dict")
	}
	announce, _ := top["announce"].(string)

	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, infoMap); err != nil {
		return nil, fmt.Errorf("re-encode info dict: %s", err)
	}
	infoHash := core.NewInfoHashFromBytes(infoBuf.Bytes())

	var raw rawInfo
	if err := bencode.Unmarshal(bytes.NewReader(infoBuf.Bytes()), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal info dict: %s", err)
	}

	if raw.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length: %d", raw.PieceLength)
	}
	if len(raw.Pieces)%20 != 0 {
		return nil, fmt.Errorf("pieces string length %d not a multiple of 20", len(raw.Pieces))
	}

	var pieces [][20]byte
	for i := 0; i < len(raw.Pieces); i += 20 {
		var h [20]byte
		copy(h[:], raw.Pieces[i:i+20])
		pieces = append(pieces, h)
	}

	var length int64
	var files []FileEntry
	if len(raw.Files) > 0 {
		for _, f := range raw.Files {
			files = append(files, FileEntry{Length: f.Length, Path: f.Path})
			length += f.Length
		}
	} else {
		length = raw.Length
		files = []FileEntry{{Length: length, Path: []string{raw.Name}}}
	}

	expectedPieces := (length + raw.PieceLength - 1) / raw.PieceLength
	if int64(len(pieces)) != expectedPieces {
		return nil, fmt.Errorf(
			"piece count mismatch: have %d, expected %d for length %d at piece length %d",
			len(pieces), expectedPieces, length, raw.PieceLength)
	}

	return &MetaInfo{
		infoHash:    infoHash,
		name:        raw.Name,
		pieceLength: raw.PieceLength,
		pieces:      pieces,
		length:      length,
		files:       files,
		announce:    announce,
	}, nil
}

// InfoHash returns the torrent's 20-byte info hash.
func (mi *MetaInfo) InfoHash() core.InfoHash { return mi.infoHash }

// Name returns the suggested torrent/directory name.
func (mi *MetaInfo) Name() string { return mi.name }

// Announce returns the tracker announce URL.
func (mi *MetaInfo) Announce() string { return mi.announce }

// Length returns the total content length across all files.
func (mi *MetaInfo) Length() int64 { return mi.length }

// NumPieces returns the number of pieces.
func (mi *MetaInfo) NumPieces() int { return len(mi.pieces) }

// PieceLength returns the nominal piece length; the final piece may
// be shorter.
func (mi *MetaInfo) PieceLength(i int) int64 {
	if i < 0 || i >= len(mi.pieces) {
		return 0
	}
	if i == len(mi.pieces)-1 {
		return mi.length - mi.pieceLength*int64(i)
	}
	return mi.pieceLength
}

// PieceHash returns the expected SHA-1 hash of piece i. Does not
// check bounds.
func (mi *MetaInfo) PieceHash(i int) [20]byte {
	return mi.pieces[i]
}

// Files returns the file list; a single-file torrent has exactly one
// entry whose path is [Name()].
func (mi *MetaInfo) Files() []FileEntry {
	return mi.files
}

// VerifyPiece reports whether data hashes to the expected SHA-1 sum
// for piece i.
func (mi *MetaInfo) VerifyPiece(i int, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == mi.pieces[i]
}
