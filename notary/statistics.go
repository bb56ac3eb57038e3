// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notary

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "notary"
	metricsSubsystem = "btc_withdrawal"
)

// Statistics counts the withdrawals seen by a notary.
type Statistics struct {
	// Total counts the valid withdrawals this notary started.
	Total prometheus.Counter

	// Succeeded counts the withdrawals this notary relayed.
	Succeeded prometheus.Counter

	// Failed counts the withdrawals this notary rolled back.
	Failed prometheus.Counter
}

// NewStatistics creates the counters and registers them with reg.  A nil reg
// leaves them unregistered.
func NewStatistics(reg prometheus.Registerer) *Statistics {
	factory := promauto.With(reg)
	return &Statistics{
		Total: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transfers_total",
			Help:      "Number of withdrawals started",
		}),
		Succeeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transfers_succeeded_total",
			Help:      "Number of withdrawals relayed",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transfers_failed_total",
			Help:      "Number of withdrawals rolled back",
		}),
	}
}
