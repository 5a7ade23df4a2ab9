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

// Package memsize provides byte/bit magnitude constants and human-readable
// formatting.
package memsize

import "fmt"

// Byte magnitudes.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
	TB        = GB * 1024
)

// Bit magnitudes.
const (
	Bit  uint64 = 1
	Kbit        = Bit * 1024
	Mbit        = Kbit * 1024
	Gbit        = Mbit * 1024
	Tbit        = Gbit * 1024
)

func format(n uint64, units []string, scale uint64, zero string) string {
	if n == 0 {
		return zero
	}
	unit := units[0]
	size := scale
	for i := len(units) - 1; i >= 0; i-- {
		s := pow(scale, uint64(i))
		if n >= s {
			unit = units[i]
			size = s
			break
		}
	}
	return fmt.Sprintf("%.2f%s", float64(n)/float64(size), unit)
}

func pow(base, exp uint64) uint64 {
	r := uint64(1)
	for i := uint64(0); i < exp; i++ {
		r *= base
	}
	return r
}

var _byteUnits = []string{"B", "KB", "MB", "GB", "TB"}
var _bitUnits = []string{"bit", "Kbit", "Mbit", "Gbit", "Tbit"}

// Format renders nbytes as a human-readable byte magnitude.
func Format(nbytes uint64) string {
	return format(nbytes, _byteUnits, 1024, "0B")
}

// BitFormat renders nbits as a human-readable bit magnitude.
func BitFormat(nbits uint64) string {
	return format(nbits, _bitUnits, 1024, "0bit")
}
