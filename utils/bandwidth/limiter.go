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

// Package bandwidth provides a general purpose egress/ingress token-bucket
// rate limiter which can be adjusted at runtime.
package bandwidth

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

// Limiter limits egress and ingress bandwidth via token-bucket rate limiters
// whose burst size can be adjusted at runtime.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a new Limiter. If config.Enable is false, reservations
// are no-ops.
func NewLimiter(config Config) (*Limiter, error) {
	l := &Limiter{config: config}
	if !config.Enable {
		return l, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("egress_bits_per_sec must be non-zero")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("ingress_bits_per_sec must be non-zero")
	}
	if config.TokenSize == 0 {
		config.TokenSize = 1
	}
	l.config = config
	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize
	l.egress = rate.NewLimiter(rate.Limit(etps), int(etps))
	l.ingress = rate.NewLimiter(rate.Limit(itps), int(itps))
	return l, nil
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if rl == nil {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return errors.New("reservation exceeds bucket burst size")
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

// Adjust scales the egress and ingress burst sizes by 1/denom. Used to divide
// bandwidth fairly as the number of active connections changes.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return errors.New("denom must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.egress != nil {
		l.egress.SetBurst(maxInt(1, int(l.config.EgressBitsPerSec/l.config.TokenSize)/denom))
	}
	if l.ingress != nil {
		l.ingress.SetBurst(maxInt(1, int(l.config.IngressBitsPerSec/l.config.TokenSize)/denom))
	}
	return nil
}

// EgressLimit returns the current egress burst size in tokens.
func (l *Limiter) EgressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.egress == nil {
		return 0
	}
	return int64(l.egress.Burst())
}

// IngressLimit returns the current ingress burst size in tokens.
func (l *Limiter) IngressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ingress == nil {
		return 0
	}
	return int64(l.ingress.Burst())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
