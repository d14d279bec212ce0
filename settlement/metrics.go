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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsAttempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlements_attempted_total",
		Help: "Settlements claimed and handed to the chain client.",
	})
	settlementsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlements_confirmed_total",
		Help: "Settlements driven to SettlementComplete.",
	})
	settlementsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_failed_total",
		Help: "Settlement failures, by retryability class.",
	}, []string{"class"})
	settlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Time from claim to terminal complete.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	reconciliationRescued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_rescued_total",
		Help: "Stuck settlements driven to a terminal status by reconciliation.",
	})
)

const (
	failClassRetryable = "retryable"
	failClassPermanent = "permanent"
)
