package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.TreeBuilt("mz", 20*time.Millisecond, 42)
	m.TreeLoaded("mz", 40)
	m.Queried("mz", 3)
	m.Queried("mz", 2)
	m.SimilarityPairs(6)
	m.Ms2Insufficient()
	m.AnalysisTrial()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.treeBuilds.WithLabelValues("mz", "built")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.treeBuilds.WithLabelValues("mz", "loaded")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.indexedValues.WithLabelValues("mz")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.queries.WithLabelValues("mz")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.similarityPairs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ms2Insufficient))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analysisTrials))

	path := filepath.Join(t.TempDir(), "idpp.prom")
	require.NoError(t, m.WriteToTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "idpp_tree_queries_total")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.TreeBuilt("rt", time.Second, 1)
	m.Queried("rt", 1)
	m.SimilarityPairs(1)
	m.Ms2Insufficient()
	m.AnalysisTrial()
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteToTextfile(filepath.Join(t.TempDir(), "x")))
}
