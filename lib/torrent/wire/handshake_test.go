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
package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpouellet/unworkable/core"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := Handshake{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	}
	encoded := EncodeHandshake(h)
	require.Len(encoded, HandshakeLen)

	decoded, err := DecodeHandshake(bytes.NewReader(encoded))
	require.NoError(err)
	require.Equal(h, decoded)
}

func TestDecodeHandshakeRejectsBadProtocol(t *testing.T) {
	require := require.New(t)

	h := Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	encoded := EncodeHandshake(h)
	encoded[0] = 5 // wrong pstrlen

	_, err := DecodeHandshake(bytes.NewReader(encoded))
	require.Error(err)
}

func TestDecodeHandshakeRejectsShortRead(t *testing.T) {
	require := require.New(t)

	h := Handshake{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()}
	encoded := EncodeHandshake(h)

	_, err := DecodeHandshake(bytes.NewReader(encoded[:10]))
	require.Error(err)
}
