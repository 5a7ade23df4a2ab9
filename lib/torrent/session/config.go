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
	"time"

	"github.com/jpouellet/unworkable/tracker/announceclient"
	"github.com/jpouellet/unworkable/utils/bandwidth"
	"github.com/jpouellet/unworkable/utils/log"
)

// Config is the Session configuration.
//
// Grounded on lib/torrent/scheduler.Config's yaml-tagged, zero-value
// applyDefaults convention, re-parameterized around a single torrent's
// tick/choke/announce timings instead of per-torrent TTIs.
type Config struct {

	// ListenAddr is the local address the session listens for incoming
	// peer connections on.
	ListenAddr string `yaml:"listen_addr"`

	// HandshakeTimeout bounds how long a single inbound or outbound
	// handshake may take before the peer is abandoned.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// PeerInactivityTimeout is how long a peer may go without producing
	// a readable message before being marked DEAD.
	PeerInactivityTimeout time.Duration `yaml:"peer_inactivity_timeout"`

	// TickInterval is how often the scheduler tick runs.
	TickInterval time.Duration `yaml:"tick_interval"`

	// ChokeInterval is how often the choke algorithm recomputes the
	// unchoked set.
	ChokeInterval time.Duration `yaml:"choke_interval"`

	// OptimisticUnchokeInterval is how often an extra peer is unchoked
	// at random regardless of rate.
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	// MaxFastUnchoked is the number of peers kept unchoked by download
	// rate.
	MaxFastUnchoked int `yaml:"max_fast_unchoked"`

	// TargetPeers is the number of connected peers the session tries to
	// maintain via supplementary announces.
	TargetPeers int `yaml:"target_peers"`

	// MinAnnounceInterval bounds how often a supplementary announce may
	// be triggered by the top-up check, regardless of the tracker's
	// advertised interval.
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`

	// MaxUploadPerTick caps how many queued upload records are drained
	// from a single peer's upload queue per tick.
	MaxUploadPerTick int `yaml:"max_upload_per_tick"`

	// SenderBufferSize and ReceiverBufferSize size each peer's internal
	// message channels.
	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// Bandwidth limits aggregate egress/ingress across every peer
	// connection. Disabled (unlimited) unless Bandwidth.Enable is set.
	Bandwidth bandwidth.Config `yaml:"bandwidth"`

	Announce announceclient.Config `yaml:"announce"`
	Log      log.Config            `yaml:"log"`
}

func (c Config) applyDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":6668"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PeerInactivityTimeout == 0 {
		c.PeerInactivityTimeout = 10 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeInterval == 0 {
		c.OptimisticUnchokeInterval = 30 * time.Second
	}
	if c.MaxFastUnchoked == 0 {
		c.MaxFastUnchoked = 3
	}
	if c.TargetPeers == 0 {
		c.TargetPeers = 30
	}
	if c.MinAnnounceInterval == 0 {
		c.MinAnnounceInterval = 30 * time.Second
	}
	if c.MaxUploadPerTick == 0 {
		c.MaxUploadPerTick = 1
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 50
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 50
	}
	return c
}
