// Copyright 2025 The atomik Authors
// This file is part of the atomik settlement processor.
//
// The atomik settlement processor is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// The atomik settlement processor is distributed in the hope that it will be
// useful, but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the atomik settlement processor. If not, see <http://www.gnu.org/licenses/>.

package settlement

import (
	"math/rand"
	"time"
)

const (
	baseBackoff   = 5 * time.Second
	maxBackoff    = 60 * time.Second
	backoffJitter = 0.2
)

// retryBackoff returns min(60s, 5s*2^(n-1)) with ±20% jitter for the n-th
// retry. The jitter keeps a burst of same-tick failures from re-listing as
// one synchronized stampede.
func retryBackoff(attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := baseBackoff
	for i := uint32(1); i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	spread := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	return time.Duration(float64(d) * spread)
}
