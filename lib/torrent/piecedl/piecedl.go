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

// Package piecedl holds the registry of outstanding and completed
// block-download records for a single torrent. A PieceDl tracks one
// block of one piece requested from one peer; the registry indexes
// them both by (piece index, offset) and by owning peer so that a
// dead peer's records can be orphaned in O(k) instead of a full scan.
//
// The registry is owned exclusively by the session's event-loop
// goroutine and is therefore not safe, nor made safe, for concurrent
// use from multiple goroutines.
package piecedl

import (
	"fmt"

	"github.com/jpouellet/unworkable/core"
)

// Key identifies a block by its piece index and byte offset within
// that piece.
type Key struct {
	Index  int
	Offset int
}

// PieceDl is a record of one in-flight or completed block download.
// Peer is nil when the record is orphaned: its owning peer has died
// but the record remains in the registry, eligible for recycling by
// another peer that advertises the same piece.
type PieceDl struct {
	Index  int
	Offset int
	Length int
	Bytes  int
	Peer   *core.PeerID
}

// Complete reports whether every byte of the block has been received.
func (pd *PieceDl) Complete() bool {
	return pd.Bytes >= pd.Length
}

// Orphaned reports whether pd has no owning peer.
func (pd *PieceDl) Orphaned() bool {
	return pd.Peer == nil
}

// Registry is the authoritative set of PieceDl records for a torrent,
// indexed for both by-key lookup and by-peer enumeration.
//
// A (index, offset) key normally has at most one PieceDl: the primary
// record in byKey. During endgame (§4.5), the same block may be
// requested redundantly from more than one peer at once; those extra
// requests are duplicates, tracked in dups and never promoted into
// byKey, so the by-key lookups (Find, and FullyAssigned built on it)
// keep seeing a single authoritative record per key; ForPiece, Len and
// FreePiece cover duplicates as well. byPeer indexes every record, primary
// or duplicate, by its owning peer, since a peer never holds more
// than one record for a given key.
//
// Grounded on lib/torrent/scheduler/dispatch/piecerequest.Manager's
// dual-map pattern (requests map[int][]*Request, requestsByPeer
// map[core.PeerID]map[int]*Request), generalized from whole-piece
// granularity to block granularity by re-keying on (index, offset)
// pairs, and from a Status-enum model to the orphan/complete/pending
// state machine described for PieceDl. The primary/duplicate split is
// grounded on the original's peer_piece_dls walk in
// _examples/original_source/scheduler.c:464, which tracks redundant
// endgame requests per peer rather than in a single global table.
type Registry struct {
	byKey  map[Key]*PieceDl
	dups   map[Key][]*PieceDl
	byPeer map[core.PeerID]map[Key]*PieceDl
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[Key]*PieceDl),
		dups:   make(map[Key][]*PieceDl),
		byPeer: make(map[core.PeerID]map[Key]*PieceDl),
	}
}

// Create inserts a new primary PieceDl owned by peerID at (index,
// offset). It returns an error if a primary record already exists at
// that key; use CreateDuplicate to add a redundant endgame request
// alongside an existing one.
func (r *Registry) Create(peerID core.PeerID, index, offset, length int) (*PieceDl, error) {
	k := Key{index, offset}
	if _, ok := r.byKey[k]; ok {
		return nil, fmt.Errorf("piecedl already exists at piece %d offset %d", index, offset)
	}
	pd := &PieceDl{Index: index, Offset: offset, Length: length, Peer: &peerID}
	r.byKey[k] = pd
	r.indexByPeer(peerID, pd)
	return pd, nil
}

// CreateDuplicate registers an additional PieceDl for (index, offset)
// owned by peerID, alongside whatever record (primary or duplicate)
// already exists there. Used only during endgame, where the same
// block is requested from more than one peer so that the first
// arriving copy completes it. It returns an error if peerID already
// holds a record for this key, since a peer should never be sent the
// same request twice.
func (r *Registry) CreateDuplicate(peerID core.PeerID, index, offset, length int) (*PieceDl, error) {
	k := Key{index, offset}
	if pm, ok := r.byPeer[peerID]; ok {
		if _, exists := pm[k]; exists {
			return nil, fmt.Errorf("peer %s already holds a piecedl at piece %d offset %d", peerID, index, offset)
		}
	}
	pd := &PieceDl{Index: index, Offset: offset, Length: length, Peer: &peerID}
	r.dups[k] = append(r.dups[k], pd)
	r.indexByPeer(peerID, pd)
	return pd, nil
}

// Find returns the primary PieceDl at (index, offset), if any.
func (r *Registry) Find(index, offset int) (*PieceDl, bool) {
	pd, ok := r.byKey[Key{index, offset}]
	return pd, ok
}

// FindForPeer returns the PieceDl, primary or duplicate, that peerID
// holds at (index, offset), if any. Used during endgame to decide
// whether a given peer has already been sent a request for this exact
// block, since Find alone only reports the primary owner.
func (r *Registry) FindForPeer(peerID core.PeerID, index, offset int) (*PieceDl, bool) {
	pm, ok := r.byPeer[peerID]
	if !ok {
		return nil, false
	}
	pd, ok := pm[Key{index, offset}]
	return pd, ok
}

// ForPiece returns every PieceDl currently registered for the given
// piece index, primary and duplicate alike, in no particular order.
func (r *Registry) ForPiece(index int) []*PieceDl {
	var pds []*PieceDl
	for k, pd := range r.byKey {
		if k.Index == index {
			pds = append(pds, pd)
		}
	}
	for k, dpds := range r.dups {
		if k.Index == index {
			pds = append(pds, dpds...)
		}
	}
	return pds
}

// Assign recycles an orphaned PieceDl by giving it a new owning peer.
// It is an error to assign a PieceDl which already has an owner.
func (r *Registry) Assign(pd *PieceDl, peerID core.PeerID) error {
	if pd.Peer != nil {
		return fmt.Errorf("piecedl at piece %d offset %d is not orphaned", pd.Index, pd.Offset)
	}
	pd.Peer = &peerID
	r.indexByPeer(peerID, pd)
	return nil
}

// AddBytes records n additional received bytes against pd.
func (pd *PieceDl) AddBytes(n int) {
	pd.Bytes += n
}

// FreePiece removes every PieceDl registered for the given piece
// index, primary and duplicate alike, from every overlay. Used once a
// piece passes or fails hash verification: either way, its block
// records no longer need tracking.
func (r *Registry) FreePiece(index int) {
	for k, pd := range r.byKey {
		if k.Index != index {
			continue
		}
		delete(r.byKey, k)
		r.removeFromByPeer(k, pd)
	}
	for k, pds := range r.dups {
		if k.Index != index {
			continue
		}
		for _, pd := range pds {
			r.removeFromByPeer(k, pd)
		}
		delete(r.dups, k)
	}
}

// OrphanPeer detaches peerID from every PieceDl it owns, leaving the
// records in the registry for later recycling. It does not free them.
func (r *Registry) OrphanPeer(peerID core.PeerID) {
	for _, pd := range r.byPeer[peerID] {
		pd.Peer = nil
	}
	delete(r.byPeer, peerID)
}

// Len returns the total number of PieceDl records currently tracked,
// primary and duplicate alike.
func (r *Registry) Len() int {
	n := len(r.byKey)
	for _, pds := range r.dups {
		n += len(pds)
	}
	return n
}

// removeFromByPeer detaches pd from its owner's byPeer entry for key
// k. It leaves byKey/dups untouched; callers are responsible for
// removing pd from whichever of those overlays holds it.
func (r *Registry) removeFromByPeer(k Key, pd *PieceDl) {
	if pd.Peer == nil {
		return
	}
	pm, ok := r.byPeer[*pd.Peer]
	if !ok {
		return
	}
	delete(pm, k)
	if len(pm) == 0 {
		delete(r.byPeer, *pd.Peer)
	}
}

func (r *Registry) indexByPeer(peerID core.PeerID, pd *PieceDl) {
	pm, ok := r.byPeer[peerID]
	if !ok {
		pm = make(map[Key]*PieceDl)
		r.byPeer[peerID] = pm
	}
	pm[Key{pd.Index, pd.Offset}] = pd
}
