// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hdwallet"

// syncMetrics counts syncs by kind and outcome and times them.
type syncMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tip      *prometheus.GaugeVec
}

func newSyncMetrics(reg prometheus.Registerer) (*syncMetrics, error) {
	m := &syncMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Account syncs by kind and result.",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Time spent computing and applying a sync.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		tip: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "checkpoint_height",
			Help:      "Checkpoint height of each synced account.",
		}, []string{"account"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.runs, m.duration, m.tip} {
		err := reg.Register(c)

		var are prometheus.AlreadyRegisteredError
		switch {
		case errors.As(err, &are):
			// Another syncer registered the same collector, so
			// share it.
			switch existing := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				m.runs = existing
			case *prometheus.HistogramVec:
				m.duration = existing
			case *prometheus.GaugeVec:
				m.tip = existing
			}

		case err != nil:
			return nil, err
		}
	}

	return m, nil
}
