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
package store

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"github.com/jpouellet/unworkable/lib/torrent/metainfo"
)

func fixtureMetaInfo(t *testing.T, content []byte, pieceLength int64) *metainfo.MetaInfo {
	var pieces bytes.Buffer
	for i := int64(0); i < int64(len(content)); i += pieceLength {
		end := i + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[i:end])
		pieces.Write(sum[:])
	}
	info := map[string]interface{}{
		"piece length": pieceLength,
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

func TestWriteBlockThenCheckHash(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 16384)
	mi := fixtureMetaInfo(t, content, 16384)

	dir := t.TempDir()
	fs, err := Open(dir, mi)
	require.NoError(err)
	defer fs.Close()

	require.True(fs.Empty())
	require.False(fs.HasPiece(0))

	require.NoError(fs.WriteBlock(0, 0, content))

	ok, err := fs.CheckHash(0)
	require.NoError(err)
	require.True(ok)

	fs.MarkComplete(0)
	require.True(fs.HasPiece(0))
	require.False(fs.Empty())

	got, err := fs.ReadBlock(0, 0, len(content))
	require.NoError(err)
	require.Equal(content, got)
}

func TestCheckHashFailsOnCorruption(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("y"), 16384)
	mi := fixtureMetaInfo(t, content, 16384)

	dir := t.TempDir()
	fs, err := Open(dir, mi)
	require.NoError(err)
	defer fs.Close()

	bad := bytes.Repeat([]byte("z"), 16384)
	require.NoError(fs.WriteBlock(0, 0, bad))

	ok, err := fs.CheckHash(0)
	require.NoError(err)
	require.False(ok)
}

func TestBlocksInMultiplePieces(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("a"), 16384)
	content = append(content, bytes.Repeat([]byte("b"), 16384)...)
	mi := fixtureMetaInfo(t, content, 16384)

	dir := t.TempDir()
	fs, err := Open(dir, mi)
	require.NoError(err)
	defer fs.Close()

	require.NoError(fs.WriteBlock(0, 0, content[:16384]))
	require.NoError(fs.WriteBlock(1, 0, content[16384:]))

	ok, err := fs.CheckHash(0)
	require.NoError(err)
	require.True(ok)
	ok, err = fs.CheckHash(1)
	require.NoError(err)
	require.True(ok)
}

func TestWriteBlockRejectsOutOfBounds(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("c"), 16384)
	mi := fixtureMetaInfo(t, content, 16384)

	dir := t.TempDir()
	fs, err := Open(dir, mi)
	require.NoError(err)
	defer fs.Close()

	err = fs.WriteBlock(0, 16000, make([]byte, 1000))
	require.Error(err)
}

func TestBitfieldReflectsCompletion(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("d"), 32768)
	mi := fixtureMetaInfo(t, content, 16384)

	dir := t.TempDir()
	fs, err := Open(dir, mi)
	require.NoError(err)
	defer fs.Close()

	require.NoError(fs.WriteBlock(0, 0, content[:16384]))
	fs.MarkComplete(0)

	bf := fs.Bitfield()
	require.True(bf.Has(0))
	require.False(bf.Has(1))
}
