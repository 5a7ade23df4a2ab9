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

// Package torrentlog provides a structured, ELK-friendly event log for a
// single torrent session's lifecycle, distinct from the verbose
// *zap.SugaredLogger call sites sprinkled through lib/torrent/session
// itself: connect/disconnect, handshake failures, piece completion, and
// overall torrent completion.
package torrentlog

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/utils/log"

	"go.uber.org/zap"
)

var (
	errEmptyReceivedPieces    = errors.New("empty received piece counts")
	errNegativeReceivedPieces = errors.New("negative value in received piece counts")
)

// Logger wraps structured log entries for a single torrent's lifecycle
// events, intended for cluster-level aggregation (ELK) separate from a
// single host's stdout logs.
type Logger struct {
	zap      *zap.Logger
	infoHash core.InfoHash
}

// New creates a new Logger scoped to infoHash.
func New(config log.Config, infoHash core.InfoHash, pctx core.PeerContext) (*Logger, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %s", err)
	}

	logger, err := log.New(config, map[string]interface{}{
		"hostname":  hostname,
		"info_hash": infoHash.String(),
		"peer_id":   pctx.PeerID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("config: %s", err)
	}
	return &Logger{logger, infoHash}, nil
}

// NewNopLogger returns a Logger containing a no-op zap logger for testing.
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop(), core.InfoHash{}}
}

// PeerConnected logs a successful handshake, incoming or outgoing.
func (l *Logger) PeerConnected(remotePeerID core.PeerID, addr string, incoming bool) {
	l.zap.Debug(
		"Peer connected",
		zap.String("remote_peer_id", remotePeerID.String()),
		zap.String("addr", addr),
		zap.Bool("incoming", incoming))
}

// PeerDisconnected logs a peer's connection being torn down.
func (l *Logger) PeerDisconnected(remotePeerID core.PeerID) {
	l.zap.Debug(
		"Peer disconnected",
		zap.String("remote_peer_id", remotePeerID.String()))
}

// HandshakeFailed logs a failed incoming or outgoing handshake attempt.
func (l *Logger) HandshakeFailed(addr string, err error) {
	l.zap.Debug(
		"Handshake failed",
		zap.String("addr", addr),
		zap.Error(err))
}

// PieceCompleted logs a piece passing hash verification.
func (l *Logger) PieceCompleted(index, goodPieces, numPieces int) {
	l.zap.Debug(
		"Piece completed",
		zap.Int("index", index),
		zap.Int("good_pieces", goodPieces),
		zap.Int("num_pieces", numPieces))
}

// TorrentCompleted logs every piece of the torrent passing hash
// verification.
func (l *Logger) TorrentCompleted(totalBytes int64, elapsed time.Duration) {
	l.zap.Info(
		"Torrent completed",
		zap.Int64("total_bytes", totalBytes),
		zap.Duration("download_time", elapsed))
}

// ReceivedPiecesSummary logs a statistical summary of bytes received
// per connected peer, one entry of counts per peer, for spotting a swarm
// dominated by one or two fast peers versus one spreading load evenly.
func (l *Logger) ReceivedPiecesSummary(counts []int) error {
	s, err := newReceivedPiecesSummary(counts)
	if err != nil {
		return err
	}
	l.zap.Debug(
		"Received pieces summary",
		zap.Int("zero_count", s.zeroCount),
		zap.Int("min", s.min),
		zap.Int("max", s.max),
		zap.Float64("mean", s.mean),
		zap.Float64("stddev", s.stdDev))
	return nil
}

// Sync flushes the log.
func (l *Logger) Sync() {
	l.zap.Sync()
}

// receivedPiecesSummary holds basic statistics over a set of per-peer
// received-block counts.
type receivedPiecesSummary struct {
	zeroCount int
	min       int
	max       int
	mean      float64
	stdDev    float64
}

// newReceivedPiecesSummary computes zeroCount/min/max/mean/sample-stdDev
// over counts, which must be non-empty and non-negative.
func newReceivedPiecesSummary(counts []int) (*receivedPiecesSummary, error) {
	if len(counts) == 0 {
		return nil, errEmptyReceivedPieces
	}

	zeroCount := 0
	min, max := counts[0], counts[0]
	var sum int
	for _, c := range counts {
		if c < 0 {
			return nil, errNegativeReceivedPieces
		}
		if c == 0 {
			zeroCount++
		}
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
		sum += c
	}
	mean := float64(sum) / float64(len(counts))

	var stdDev float64
	if len(counts) > 1 {
		var sumSq float64
		for _, c := range counts {
			d := float64(c) - mean
			sumSq += d * d
		}
		stdDev = math.Sqrt(sumSq / float64(len(counts)-1))
	}

	return &receivedPiecesSummary{zeroCount, min, max, mean, stdDev}, nil
}
