// Package metrics collects per-run Prometheus metrics and pushes them to a
// Pushgateway when one is configured.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Config struct {
	Pushgateway string
	Job         string
	Version     string
}

type Provider struct {
	cfg Config
	reg *prometheus.Registry

	Units       prometheus.Counter
	Inserted    prometheus.Counter
	Duplicates  prometheus.Counter
	Skipped     *prometheus.CounterVec
	Indexed     prometheus.Counter
	BatchWrites prometheus.Histogram
}

func Init(cfg Config) *Provider {
	if cfg.Job == "" {
		cfg.Job = "tilegeo"
	}
	reg := prometheus.NewRegistry()

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tilegeo_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version"},
	)
	v := cfg.Version
	if v == "" {
		v = "dev"
	}
	build.WithLabelValues(v).Set(1)

	p := &Provider{
		cfg: cfg,
		reg: reg,
		Units: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilegeo_units_total",
			Help: "(tile x layer) units attempted.",
		}),
		Inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilegeo_records_inserted_total",
			Help: "Tile records newly written to the datastore.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilegeo_records_duplicate_total",
			Help: "Tile records refused because the tile_id already existed.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilegeo_units_skipped_total",
			Help: "(tile x layer) units that produced no record, by reason.",
		}, []string{"reason"}),
		Indexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilegeo_tiles_indexed_total",
			Help: "Raster tiles written to the tile index.",
		}),
		BatchWrites: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tilegeo_batch_duration_seconds",
			Help:    "Duration of one batch insert.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(build, p.Units, p.Inserted, p.Duplicates, p.Skipped, p.Indexed, p.BatchWrites)
	return p
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

func (p *Provider) Gatherer() prometheus.Gatherer { return p.reg }

// Enabled reports whether Push sends anything.
func (p *Provider) Enabled() bool {
	return p.cfg.Pushgateway != ""
}

// Push sends all collected metrics to the Pushgateway, replacing the metrics of
// the job. Without a configured gateway it does nothing.
func (p *Provider) Push(ctx context.Context, component string) error {
	if !p.Enabled() {
		return nil
	}
	pusher := push.New(p.cfg.Pushgateway, p.cfg.Job).Gatherer(p.reg)
	if component != "" {
		pusher = pusher.Grouping("component", component)
	}
	return pusher.PushContext(ctx)
}
