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

// Package announceclient implements the HTTP tracker announce protocol:
// URL-encoded GET requests and bencoded peer-list responses.
package announceclient

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/serverset"
	"github.com/jpouellet/unworkable/utils/httputil"
)

// DefaultInterval is used when the tracker omits the interval field.
const DefaultInterval = 1800 * time.Second

// ErrMissingPeers is returned when the tracker response has no peers field.
var ErrMissingPeers = errors.New("tracker response missing peers field")

// Client announces a torrent to a tracker and retrieves the peer list.
type Client interface {
	// Announce sends a GET /announce request for the torrent identified by
	// h, reporting uploaded/downloaded/left byte counts, and returns the
	// peers the tracker knows about along with the next announce interval.
	Announce(
		h core.InfoHash,
		pctx core.PeerContext,
		uploaded, downloaded, left int64,
		event string) ([]*core.PeerInfo, time.Duration, error)
}

type client struct {
	config  Config
	servers serverset.Set
}

// New creates a new Client which announces to the given tracker server set.
func New(config Config, servers serverset.Set) Client {
	return &client{config.applyDefaults(), servers}
}

// Default creates a new Client with default config.
func Default(servers serverset.Set) Client {
	return New(Config{}, servers)
}

// rawResponse mirrors the bencoded tracker response dict. Peers is decoded
// into interface{} because the tracker may return either the compact binary
// form or a list of peer dicts.
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

// Announce implements Client.
func (c *client) Announce(
	h core.InfoHash,
	pctx core.PeerContext,
	uploaded, downloaded, left int64,
	event string) ([]*core.PeerInfo, time.Duration, error) {

	v := url.Values{}
	v.Add("info_hash", string(h.Bytes()))
	v.Add("peer_id", string(pctx.PeerID[:]))
	v.Add("port", strconv.Itoa(pctx.Port))
	v.Add("uploaded", strconv.FormatInt(uploaded, 10))
	v.Add("downloaded", strconv.FormatInt(downloaded, 10))
	v.Add("left", strconv.FormatInt(left, 10))
	v.Add("compact", "1")
	if event != "" {
		v.Add("event", event)
	}
	if pctx.IP != "" {
		v.Add("ip", pctx.IP)
	}

	q := v.Encode()

	var lastErr error
	it := c.servers.Iter()
	for it.HasNext() {
		addr := it.Addr()
		resp, err := httputil.Get(
			fmt.Sprintf("http://%s/announce?%s", addr, q),
			httputil.SendTimeout(c.config.Timeout))
		if err != nil {
			if httputil.IsNetworkError(err) {
				lastErr = err
				it.Next()
				continue
			}
			return nil, 0, err
		}
		defer resp.Body.Close()

		var raw rawResponse
		if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
			return nil, 0, fmt.Errorf("unmarshal announce response: %s", err)
		}
		if raw.FailureReason != "" {
			return nil, 0, fmt.Errorf("tracker failure: %s", raw.FailureReason)
		}
		if raw.Peers == nil {
			return nil, 0, ErrMissingPeers
		}
		peers, err := decodePeers(raw.Peers)
		if err != nil {
			return nil, 0, fmt.Errorf("decode peers: %s", err)
		}

		interval := DefaultInterval
		if raw.Interval > 0 {
			interval = time.Duration(raw.Interval) * time.Second
		}

		filtered := peers[:0]
		for _, p := range peers {
			if p.IP == pctx.IP && p.Port == pctx.Port {
				continue
			}
			filtered = append(filtered, p)
		}

		return filtered, interval, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no tracker servers available")
	}
	return nil, 0, lastErr
}

// decodePeers handles both the compact binary string form (4-byte IPv4 +
// 2-byte big-endian port per peer) and the list-of-dicts form.
func decodePeers(raw interface{}) ([]*core.PeerInfo, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case []interface{}:
		var peers []*core.PeerInfo
		for _, e := range v {
			m, ok := e.(map[string]interface{})
			if !ok {
				return nil, errors.New("peer list entry is not a dict")
			}
			ip, _ := m["ip"].(string)
			portNum, ok := m["port"].(int64)
			if !ok {
				return nil, errors.New("peer dict missing port")
			}
			peers = append(peers, &core.PeerInfo{
				IP:   ip,
				Port: int(portNum),
			})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unsupported peers encoding: %T", raw)
	}
}

func decodeCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peer string length %d not a multiple of 6", len(b))
	}
	var peers []*core.PeerInfo
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		peers = append(peers, &core.PeerInfo{
			IP:   ip,
			Port: port,
		})
	}
	return peers, nil
}
