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

// Package rpcpool hands out healthy Solana RPC endpoints. Each endpoint is
// guarded by its own circuit breaker so a dying provider is cut off without
// taking the rest of the pool with it.
package rpcpool

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sony/gobreaker"
)

var (
	// ErrNoHealthyEndpoint is returned by Acquire when every endpoint is
	// either open or busy probing.
	ErrNoHealthyEndpoint = errors.New("no healthy rpc endpoint available")

	errNoEndpoints = errors.New("rpc pool needs at least one endpoint")
)

// FailureKind classifies an endpoint failure for circuit accounting.
type FailureKind int

const (
	// FailureTransient covers timeouts, 5xx responses, connection resets and
	// blockhash-not-found; it counts toward the consecutive-failure trip.
	FailureTransient FailureKind = iota
	// FailurePermanent covers malformed responses and auth rejections; it
	// trips the endpoint's circuit immediately.
	FailurePermanent
)

// endpoint is one RPC provider with its health bookkeeping. The breaker holds
// the only lock; failures is a plain atomic read-mostly counter used to order
// endpoint preference in Acquire.
type endpoint struct {
	url     string
	index   int // position in the configured list, the deterministic tie-break
	client  *rpc.Client
	breaker *gobreaker.TwoStepCircuitBreaker

	failures atomic.Uint32
	tripNow  atomic.Bool // set just before reporting a permanent failure
}

// Pool is a fixed set of endpoints built once at startup. The slice is
// immutable afterwards; all mutation happens inside per-endpoint state.
type Pool struct {
	endpoints []*endpoint
}

// New builds a pool over the given endpoint URLs. threshold is the number of
// consecutive transient failures that opens an endpoint's circuit; cooldown is
// how long it stays open before a half-open probe is allowed through.
func New(urls []string, threshold uint32, cooldown time.Duration) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errNoEndpoints
	}
	p := &Pool{endpoints: make([]*endpoint, 0, len(urls))}
	for i, url := range urls {
		ep := &endpoint{
			url:    url,
			index:  i,
			client: rpc.New(url),
		}
		ep.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        url,
			MaxRequests: 1, // a single half-open probe decides
			Interval:    cooldown,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return ep.tripNow.Load() || counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("RPC endpoint circuit transition", "endpoint", name, "from", from, "to", to)
				if to == gobreaker.StateClosed {
					ep.failures.Store(0)
					ep.tripNow.Store(false)
				}
			},
		})
		p.endpoints = append(p.endpoints, ep)
	}
	return p, nil
}

// Lease is a claimed slot on one endpoint. Exactly one of Success or Failure
// must be called; further calls are ignored.
type Lease struct {
	ep      *endpoint
	done    func(success bool)
	settled bool
}

// Client returns the Solana RPC client of the leased endpoint.
func (l *Lease) Client() *rpc.Client { return l.ep.client }

// URL returns the leased endpoint's URL, for logging.
func (l *Lease) URL() string { return l.ep.url }

// Success reports the leased call as healthy. It clears the endpoint's
// consecutive failure count; a half-open probe success closes the circuit.
func (l *Lease) Success() {
	if l.settled {
		return
	}
	l.settled = true
	l.ep.failures.Store(0)
	l.done(true)
}

// Failure reports the leased call as failed. Transient kinds count toward the
// trip threshold; a permanent kind opens the circuit at once. A failed
// half-open probe reopens for a full cooldown either way.
func (l *Lease) Failure(kind FailureKind) {
	if l.settled {
		return
	}
	l.settled = true
	l.ep.failures.Add(1)
	if kind == FailurePermanent {
		l.ep.tripNow.Store(true)
	}
	endpointFailures.WithLabelValues(l.ep.url).Inc()
	l.done(false)
}

// Acquire returns a lease on the most preferable usable endpoint: circuits in
// Closed or HalfOpen, lowest consecutive failure count first, configured order
// as the tie-break. Open-to-HalfOpen transitions happen lazily inside the
// breakers once their cooldown passes.
func (p *Pool) Acquire() (*Lease, error) {
	candidates := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.breaker.State() != gobreaker.StateOpen {
			candidates = append(candidates, ep)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].failures.Load(), candidates[j].failures.Load()
		if fi != fj {
			return fi < fj
		}
		return candidates[i].index < candidates[j].index
	})
	for _, ep := range candidates {
		done, err := ep.breaker.Allow()
		if err != nil {
			// Open raced ahead of our state read, or another goroutine holds
			// the half-open probe slot.
			continue
		}
		return &Lease{ep: ep, done: done}, nil
	}
	return nil, ErrNoHealthyEndpoint
}

// Len returns the number of configured endpoints.
func (p *Pool) Len() int { return len(p.endpoints) }

// HealthCheck probes every endpoint's getHealth once and logs the stragglers.
// It never fails startup; the circuit breakers take over from here.
func (p *Pool) HealthCheck(ctx context.Context) {
	for _, ep := range p.endpoints {
		out, err := ep.client.GetHealth(ctx)
		if err != nil {
			log.Warn("RPC endpoint unreachable at startup", "endpoint", ep.url, "err", err)
			continue
		}
		if out != "ok" {
			log.Warn("RPC endpoint reports degraded health", "endpoint", ep.url, "health", out)
			continue
		}
		log.Debug("RPC endpoint healthy", "endpoint", ep.url)
	}
}
