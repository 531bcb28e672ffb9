package trees

import (
	"github.com/charmbracelet/log"

	"github.com/ChrisMcGann/idpp/internal/logging"
	"github.com/ChrisMcGann/idpp/pkg/core"
	"github.com/ChrisMcGann/idpp/pkg/metrics"
)

// DefaultMs2MzTolerance is the fragment alignment tolerance in Da (2000 in
// fixed-point units).
const DefaultMs2MzTolerance = 0.02

type options struct {
	logger          *log.Logger
	metrics         *metrics.Metrics
	excludedLabels  []string
	averageByAdduct bool
	ms2MzTol        float64
	precompute      bool
}

func defaultOptions() options {
	return options{
		excludedLabels: []string{core.NoneAdduct},
		ms2MzTol:       DefaultMs2MzTolerance,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	o.logger = logging.OrDiscard(o.logger)
	return o
}

// Option configures tree construction and loading.
type Option func(*options)

// WithLogger sets the logger used for progress output.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records builds and queries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithExcludedLabels replaces the row labels dropped during scalar
// construction. The default drops the "none" adduct.
func WithExcludedLabels(labels ...string) Option {
	return func(o *options) {
		o.excludedLabels = labels
	}
}

// WithAverageByAdduct makes CCS construction index one mean value per
// adduct instead of every measurement.
func WithAverageByAdduct() Option {
	return func(o *options) {
		o.averageByAdduct = true
	}
}

// WithMs2MzTolerance sets the fragment alignment tolerance in Da.
func WithMs2MzTolerance(da float64) Option {
	return func(o *options) {
		if da > 0 {
			o.ms2MzTol = da
		}
	}
}

// WithPrecompute makes MS2 construction compute similarities immediately.
func WithPrecompute() Option {
	return func(o *options) {
		o.precompute = true
	}
}
