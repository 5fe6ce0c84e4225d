// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package netpolicy

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RateLimiter keeps a sliding one-minute window of request timestamps per
// host. The host map is an LRU bounded to maxHosts entries, so the least
// recently active host is evicted first.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hosts  *lru.Cache[string, []time.Time]
	now    func() time.Time
}

// NewRateLimiter allows perMinute requests per host and tracks at most
// maxHosts hosts.
func NewRateLimiter(perMinute, maxHosts int) (*RateLimiter, error) {
	cache, err := lru.New[string, []time.Time](maxHosts)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	return &RateLimiter{
		limit:  perMinute,
		window: time.Minute,
		hosts:  cache,
		now:    time.Now,
	}, nil
}

// Allow records a request for host, or fails if the host already used its
// quota within the window. Rejected requests are not recorded.
func (r *RateLimiter) Allow(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	stamps, _ := r.hosts.Get(host)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= r.limit {
		r.hosts.Add(host, kept)
		return fmt.Errorf("rate limit exceeded: %d requests in the last minute", len(kept))
	}
	r.hosts.Add(host, append(kept, now))
	return nil
}

// Tracked returns the number of hosts currently held.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts.Len()
}
