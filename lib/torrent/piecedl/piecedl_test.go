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
package piecedl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpouellet/unworkable/core"
)

func TestCreateAndFind(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	pd, err := r.Create(peer, 0, 0, 16384)
	require.NoError(err)
	require.False(pd.Complete())
	require.False(pd.Orphaned())

	found, ok := r.Find(0, 0)
	require.True(ok)
	require.Same(pd, found)
	require.Equal(1, r.Len())
}

func TestCreateDuplicateKeyFails(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	_, err := r.Create(peer, 0, 0, 16384)
	require.NoError(err)

	_, err = r.Create(peer, 0, 0, 16384)
	require.Error(err)
}

func TestAddBytesAndComplete(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()
	pd, err := r.Create(peer, 0, 0, 16)
	require.NoError(err)

	pd.AddBytes(10)
	require.False(pd.Complete())

	pd.AddBytes(6)
	require.True(pd.Complete())
}

func TestOrphanPeerDetachesOwnership(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	pd1, err := r.Create(peer, 0, 0, 16384)
	require.NoError(err)
	pd2, err := r.Create(peer, 0, 16384, 16384)
	require.NoError(err)
	pd3, err := r.Create(peer, 1, 0, 16384)
	require.NoError(err)

	r.OrphanPeer(peer)

	require.True(pd1.Orphaned())
	require.True(pd2.Orphaned())
	require.True(pd3.Orphaned())

	// Records remain in the registry, just unowned.
	require.Equal(3, r.Len())
	_, ok := r.Find(0, 0)
	require.True(ok)
}

func TestOrphanDoesNotAffectOtherPeers(t *testing.T) {
	require := require.New(t)

	r := New()
	peerA := core.PeerIDFixture()
	peerB := core.PeerIDFixture()

	_, err := r.Create(peerA, 0, 0, 16384)
	require.NoError(err)
	pdB, err := r.Create(peerB, 0, 16384, 16384)
	require.NoError(err)

	r.OrphanPeer(peerA)

	require.False(pdB.Orphaned())
}

func TestAssignRecyclesOrphan(t *testing.T) {
	require := require.New(t)

	r := New()
	peerA := core.PeerIDFixture()
	peerB := core.PeerIDFixture()

	pd, err := r.Create(peerA, 0, 0, 16384)
	require.NoError(err)
	r.OrphanPeer(peerA)
	require.True(pd.Orphaned())

	err = r.Assign(pd, peerB)
	require.NoError(err)
	require.False(pd.Orphaned())
	require.Equal(peerB, *pd.Peer)

	// peerB's orphan now orphans pd too.
	r.OrphanPeer(peerB)
	require.True(pd.Orphaned())
}

func TestAssignRejectsOwnedRecord(t *testing.T) {
	require := require.New(t)

	r := New()
	peerA := core.PeerIDFixture()
	peerB := core.PeerIDFixture()

	pd, err := r.Create(peerA, 0, 0, 16384)
	require.NoError(err)

	err = r.Assign(pd, peerB)
	require.Error(err)
}

func TestFreePieceRemovesAllBlocksForIndex(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	_, err := r.Create(peer, 0, 0, 16384)
	require.NoError(err)
	_, err = r.Create(peer, 0, 16384, 16384)
	require.NoError(err)
	_, err = r.Create(peer, 1, 0, 16384)
	require.NoError(err)

	r.FreePiece(0)

	require.Equal(1, r.Len())
	_, ok := r.Find(0, 0)
	require.False(ok)
	_, ok = r.Find(0, 16384)
	require.False(ok)
	_, ok = r.Find(1, 0)
	require.True(ok)
}

func TestForPiece(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	_, err := r.Create(peer, 0, 0, 16384)
	require.NoError(err)
	_, err = r.Create(peer, 0, 16384, 16384)
	require.NoError(err)
	_, err = r.Create(peer, 1, 0, 16384)
	require.NoError(err)

	pds := r.ForPiece(0)
	require.Len(pds, 2)
}

func TestCreateDuplicateAllowsSecondPeerSameBlock(t *testing.T) {
	require := require.New(t)

	r := New()
	peerA := core.PeerIDFixture()
	peerB := core.PeerIDFixture()

	primary, err := r.Create(peerA, 0, 0, 16384)
	require.NoError(err)

	dup, err := r.CreateDuplicate(peerB, 0, 0, 16384)
	require.NoError(err)
	require.NotSame(primary, dup)

	// Find still reports only the primary owner.
	found, ok := r.Find(0, 0)
	require.True(ok)
	require.Same(primary, found)

	// But each peer sees its own record for the same key.
	foundA, ok := r.FindForPeer(peerA, 0, 0)
	require.True(ok)
	require.Same(primary, foundA)

	foundB, ok := r.FindForPeer(peerB, 0, 0)
	require.True(ok)
	require.Same(dup, foundB)

	require.Equal(2, r.Len())
	require.Len(r.ForPiece(0), 2)
}

func TestCreateDuplicateRejectsSamePeerTwice(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	_, err := r.Create(peer, 0, 0, 16384)
	require.NoError(err)

	_, err = r.CreateDuplicate(peer, 0, 0, 16384)
	require.Error(err)
}

func TestFindForPeerMissing(t *testing.T) {
	require := require.New(t)

	r := New()
	peer := core.PeerIDFixture()

	_, ok := r.FindForPeer(peer, 0, 0)
	require.False(ok)
}

func TestFreePieceRemovesDuplicates(t *testing.T) {
	require := require.New(t)

	r := New()
	peerA := core.PeerIDFixture()
	peerB := core.PeerIDFixture()

	_, err := r.Create(peerA, 0, 0, 16384)
	require.NoError(err)
	_, err = r.CreateDuplicate(peerB, 0, 0, 16384)
	require.NoError(err)

	r.FreePiece(0)

	require.Equal(0, r.Len())
	_, ok := r.Find(0, 0)
	require.False(ok)
	_, ok = r.FindForPeer(peerA, 0, 0)
	require.False(ok)
	_, ok = r.FindForPeer(peerB, 0, 0)
	require.False(ok)
}
