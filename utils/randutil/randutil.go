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

// Package randutil provides random value generators for tests and fixtures.
package randutil

import (
	"fmt"
	"math/rand"
	"time"
)

const _textChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Text generates a random alphanumeric string of length n.
func Text(n uint64) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = _textChars[rand.Intn(len(_textChars))]
	}
	return string(b)
}

// IP generates a random IPv4 address string.
func IP() string {
	return fmt.Sprintf("%d.%d.%d.%d", rand.Intn(256), rand.Intn(256), rand.Intn(256), rand.Intn(256))
}

// Port generates a random non-privileged port number in [1024, 65535].
func Port() int {
	return 1024 + rand.Intn(64512)
}

// Duration generates a random duration in [0, max).
func Duration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
