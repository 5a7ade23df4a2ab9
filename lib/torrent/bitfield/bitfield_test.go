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
package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpouellet/unworkable/utils/bitsetutil"
)

// fromBools builds a Bitfield with bit i set iff bits[i] is true.
func fromBools(bits ...bool) *Bitfield {
	return &Bitfield{b: bitsetutil.FromBools(bits...), size: uint(len(bits))}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	f := New(10)
	for _, i := range []int{0, 1, 4, 9} {
		f.Set(i)
	}

	wire := f.Encode()
	require.Len(wire, 2) // ceil(10/8) = 2

	decoded, err := Decode(10, wire)
	require.NoError(err)
	for i := 0; i < 10; i++ {
		require.Equal(f.Has(i), decoded.Has(i), "bit %d", i)
	}
}

func TestEncodeBitOrder(t *testing.T) {
	require := require.New(t)

	f := New(8)
	f.Set(0)
	wire := f.Encode()
	require.Equal(byte(0x80), wire[0])

	f = New(8)
	f.Set(7)
	wire = f.Encode()
	require.Equal(byte(0x01), wire[0])
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	require := require.New(t)
	_, err := Decode(10, []byte{0x00})
	require.Error(err)
}

func TestCompleteAndCount(t *testing.T) {
	require := require.New(t)

	f := New(3)
	require.False(f.Complete())
	require.Equal(0, f.Count())

	f.Set(0)
	f.Set(1)
	f.Set(2)
	require.True(f.Complete())
	require.Equal(3, f.Count())
}

func TestFromBoolsMatchesManualSets(t *testing.T) {
	require := require.New(t)

	f := fromBools(true, false, false, true, true)
	require.Equal(5, f.Len())
	require.Equal(3, f.Count())
	require.True(f.Has(0))
	require.False(f.Has(1))
	require.False(f.Has(2))
	require.True(f.Has(3))
	require.True(f.Has(4))
	require.False(f.Complete())
}
