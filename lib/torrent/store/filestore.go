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

// Package store implements the on-disk piece store a session reads
// blocks from and writes blocks into: find/map/unmap collapse to
// plain file opens since a classic BT torrent's file layout is known
// upfront (no content-addressed blob to locate by digest); block
// read/write/checkhash map directly onto FileStore's ReadBlock,
// WriteBlock and CheckHash.
//
// Grounded on lib/torrent/storage/agentstorage's block-offset
// arithmetic (torrent.go's getFileOffset, writePiece) and per-piece
// completion bookkeeping (pieces.go's piece/status type), generalized
// from kraken's single content-addressed blob per torrent to classic
// BT's (possibly multi-file) on-disk layout addressed by the
// torrent's own file list, and from a CRC32 PieceHash to a genuine
// crypto/sha1 check against the per-piece hash in the .torrent file.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jpouellet/unworkable/lib/torrent/bitfield"
	"github.com/jpouellet/unworkable/lib/torrent/metainfo"
)

// ErrPieceNotComplete names the condition of a piece that has not yet
// passed hash verification. No FileStore method returns it: ReadBlock
// reads a piece's bytes whether or not the piece has been verified.
var ErrPieceNotComplete = fmt.Errorf("piece not complete")

// fileSpan is one underlying file's placement within the torrent's
// flat, concatenated byte space.
type fileSpan struct {
	f      *os.File
	start  int64 // inclusive offset within the flat torrent byte space
	length int64
}

// FileStore is a block-level piece store backed by the torrent's
// real on-disk file layout (single or multi-file).
type FileStore struct {
	mi    *metainfo.MetaInfo
	spans []fileSpan

	mu       sync.Mutex
	complete []bool
}

// Open creates or opens the on-disk files for mi rooted at dir,
// truncating/extending each to its final length, and verifies any
// pieces already fully written on disk so a previously partial
// download can resume.
func Open(dir string, mi *metainfo.MetaInfo) (*FileStore, error) {
	var spans []fileSpan
	var offset int64
	for _, f := range mi.Files() {
		path := filepath.Join(append([]string{dir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("mkdir: %s", err)
		}
		fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", path, err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			return nil, fmt.Errorf("truncate %s: %s", path, err)
		}
		spans = append(spans, fileSpan{f: fh, start: offset, length: f.Length})
		offset += f.Length
	}

	fs := &FileStore{
		mi:       mi,
		spans:    spans,
		complete: make([]bool, mi.NumPieces()),
	}

	for i := 0; i < mi.NumPieces(); i++ {
		ok, err := fs.CheckHash(i)
		if err != nil {
			return nil, fmt.Errorf("verify piece %d: %s", i, err)
		}
		fs.complete[i] = ok
	}

	return fs, nil
}

// Close closes every underlying file.
func (fs *FileStore) Close() error {
	var firstErr error
	for _, s := range fs.spans {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasPiece reports whether piece i has passed hash verification.
func (fs *FileStore) HasPiece(i int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.complete[i]
}

// Empty reports whether no piece has been completed yet.
func (fs *FileStore) Empty() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.complete {
		if c {
			return false
		}
	}
	return true
}

// Bitfield returns a snapshot of which pieces are complete.
func (fs *FileStore) Bitfield() *bitfield.Bitfield {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	bf := bitfield.New(len(fs.complete))
	for i, c := range fs.complete {
		if c {
			bf.Set(i)
		}
	}
	return bf
}

// ReadBlock reads length bytes at offset within piece index.
func (fs *FileStore) ReadBlock(index, offset, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := fs.ioAt(index, offset, buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBlock writes data at offset within piece index.
func (fs *FileStore) WriteBlock(index, offset int, data []byte) error {
	_, err := fs.ioAt(index, offset, data, true)
	return err
}

// CheckHash reads the full content of piece index off disk and
// compares it against the expected SHA-1 hash from the .torrent file.
// It does not mutate completion state; the caller decides what to do
// with the result (see session's hash-verification flow).
func (fs *FileStore) CheckHash(index int) (bool, error) {
	pieceLen := int(fs.mi.PieceLength(index))
	data, err := fs.ReadBlock(index, 0, pieceLen)
	if err != nil {
		return false, err
	}
	return fs.mi.VerifyPiece(index, data), nil
}

// MarkComplete records that piece index has passed hash verification.
func (fs *FileStore) MarkComplete(index int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.complete[index] = true
}

// MarkIncomplete clears completion state for piece index, e.g. after
// a failed hash check that requires re-downloading the piece.
func (fs *FileStore) MarkIncomplete(index int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.complete[index] = false
}

// ioAt performs a single block-level read or write against the flat
// byte space, splitting across underlying file boundaries as needed.
func (fs *FileStore) ioAt(index, pieceOffset int, buf []byte, write bool) (int, error) {
	if index < 0 || index >= fs.mi.NumPieces() {
		return 0, fmt.Errorf("invalid piece index %d", index)
	}
	pieceLen := int(fs.mi.PieceLength(index))
	if pieceOffset < 0 || pieceOffset+len(buf) > pieceLen {
		return 0, fmt.Errorf(
			"block [%d,%d) out of bounds for piece %d of length %d",
			pieceOffset, pieceOffset+len(buf), index, pieceLen)
	}

	flat := int64(index)*fs.mi.PieceLength(0) + int64(pieceOffset)

	var done int
	for _, s := range fs.spans {
		if done == len(buf) {
			break
		}
		spanEnd := s.start + s.length
		if flat+int64(done) >= spanEnd || flat+int64(len(buf)) <= s.start {
			continue
		}
		chunkStart := flat + int64(done)
		if chunkStart < s.start {
			chunkStart = s.start
		}
		fileOff := chunkStart - s.start
		chunkLen := spanEnd - chunkStart
		remaining := int64(len(buf) - done)
		if chunkLen > remaining {
			chunkLen = remaining
		}

		var err error
		if write {
			_, err = s.f.WriteAt(buf[done:int64(done)+chunkLen], fileOff)
		} else {
			_, err = s.f.ReadAt(buf[done:int64(done)+chunkLen], fileOff)
			if err == io.EOF {
				err = nil
			}
		}
		if err != nil {
			return done, fmt.Errorf("io at file offset %d: %s", fileOff, err)
		}
		done += int(chunkLen)
	}

	return done, nil
}
