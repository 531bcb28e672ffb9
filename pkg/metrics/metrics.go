// Package metrics collects batch job metrics for tree construction, queries
// and analysis on a private prometheus registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors used by the trees and analysis packages.
type Metrics struct {
	registry *prometheus.Registry

	treeBuilds       *prometheus.CounterVec
	treeBuildSeconds *prometheus.HistogramVec
	indexedValues    *prometheus.GaugeVec
	queries          *prometheus.CounterVec
	similarityPairs  prometheus.Counter
	ms2Insufficient  prometheus.Counter
	analysisTrials   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		treeBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idpp_tree_builds_total",
			Help: "Property trees built or loaded",
		}, []string{"kind", "origin"}),
		treeBuildSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idpp_tree_build_seconds",
			Help:    "Time spent building property trees",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		indexedValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idpp_tree_indexed_values",
			Help: "Values indexed by the most recent tree of each kind",
		}, []string{"kind"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idpp_tree_queries_total",
			Help: "Radius and threshold queries answered",
		}, []string{"kind"}),
		similarityPairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idpp_ms2_similarity_pairs_total",
			Help: "Spectrum pairs with a retained similarity",
		}),
		ms2Insufficient: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idpp_ms2_insufficient_data_total",
			Help: "MS2 tree constructions skipped for lack of spectra",
		}),
		analysisTrials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idpp_analysis_trials_total",
			Help: "Tolerance combinations evaluated",
		}),
	}
	m.registry.MustRegister(
		m.treeBuilds,
		m.treeBuildSeconds,
		m.indexedValues,
		m.queries,
		m.similarityPairs,
		m.ms2Insufficient,
		m.analysisTrials,
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TreeBuilt records a constructed tree.
func (m *Metrics) TreeBuilt(kind string, took time.Duration, n int) {
	if m == nil {
		return
	}
	m.treeBuilds.WithLabelValues(kind, "built").Inc()
	m.treeBuildSeconds.WithLabelValues(kind).Observe(took.Seconds())
	m.indexedValues.WithLabelValues(kind).Set(float64(n))
}

// TreeLoaded records a tree restored from disk.
func (m *Metrics) TreeLoaded(kind string, n int) {
	if m == nil {
		return
	}
	m.treeBuilds.WithLabelValues(kind, "loaded").Inc()
	m.indexedValues.WithLabelValues(kind).Set(float64(n))
}

// Queried records n answered queries.
func (m *Metrics) Queried(kind string, n int) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(kind).Add(float64(n))
}

// SimilarityPairs records retained similarity pairs.
func (m *Metrics) SimilarityPairs(n int) {
	if m == nil {
		return
	}
	m.similarityPairs.Add(float64(n))
}

// Ms2Insufficient records an MS2 tree that could not be built.
func (m *Metrics) Ms2Insufficient() {
	if m == nil {
		return
	}
	m.ms2Insufficient.Inc()
}

// AnalysisTrial records one evaluated tolerance combination.
func (m *Metrics) AnalysisTrial() {
	if m == nil {
		return
	}
	m.analysisTrials.Inc()
}

// WriteToTextfile writes all metrics in the text exposition format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
