/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cleaner"

// Metrics are the Prometheus collectors of one cleaner server.
type Metrics struct {
	Requests          *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	CacheLookups      *prometheus.CounterVec
	PendingJobs       prometheus.Gauge
	FetchFailures     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clean_requests_total",
			Help:      "Requests to the clean endpoint by response code.",
		}, []string{"code"}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time to decode, segment and encode one image.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"result"}),
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_jobs",
			Help:      "Distinct images waiting for or undergoing inference.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Failed fetches of image_url.",
		}),
	}
	reg.MustRegister(m.Requests, m.InferenceDuration, m.CacheLookups, m.PendingJobs, m.FetchFailures)
	return m
}
