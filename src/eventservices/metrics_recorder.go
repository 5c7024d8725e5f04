package eventservices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// MetricsRecorder buffers timing samples on the hot path and flushes them to
// the store in the background. Metrics are advisory: a failed flush is logged
// and dropped, never surfaced to the caller.
type MetricsRecorder struct {
	wg            *sync.WaitGroup
	db            *gorm.DB
	flushInterval time.Duration

	mu  sync.Mutex
	buf []eventmodels.PerformanceMetric

	nowFn func() time.Time
}

func NewMetricsRecorder(wg *sync.WaitGroup, db *gorm.DB, flushInterval time.Duration) *MetricsRecorder {
	return &MetricsRecorder{
		wg:            wg,
		db:            db,
		flushInterval: flushInterval,
		nowFn:         time.Now,
	}
}

func (r *MetricsRecorder) Record(name string, value float64, unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, eventmodels.PerformanceMetric{
		Name:       name,
		Value:      value,
		Unit:       unit,
		RecordedAt: r.nowFn().UTC(),
	})
}

func (r *MetricsRecorder) RecordDuration(name string, d time.Duration) {
	r.Record(name, float64(d.Microseconds())/1000.0, "ms")
}

// Flush writes the buffered samples in one batch.
func (r *MetricsRecorder) Flush() {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 || r.db == nil {
		return
	}

	if err := r.db.Create(&batch).Error; err != nil {
		log.Errorf("MetricsRecorder.Flush: failed to persist %d metrics: %v", len(batch), err)
		return
	}

	log.Tracef("MetricsRecorder.Flush: persisted %d metrics", len(batch))
}

// Summaries aggregates persisted samples recorded at or after since, grouped
// by metric name. Buffered samples are flushed first so the summary covers
// everything recorded so far.
func (r *MetricsRecorder) Summaries(since time.Time) ([]eventmodels.MetricSummary, error) {
	r.Flush()

	if r.db == nil {
		return nil, nil
	}

	var rows []eventmodels.PerformanceMetric
	if err := r.db.Where("recorded_at >= ?", since).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("MetricsRecorder.Summaries: failed to load metrics: %w", err)
	}

	groups := make(map[string][]float64)
	units := make(map[string]string)

	for _, row := range rows {
		groups[row.Name] = append(groups[row.Name], row.Value)
		units[row.Name] = row.Unit
	}

	summaries := make([]eventmodels.MetricSummary, 0, len(groups))

	for name, values := range groups {
		mean, err := stats.Mean(values)
		if err != nil {
			return nil, fmt.Errorf("MetricsRecorder.Summaries: failed to compute mean for %s: %w", name, err)
		}

		p50, err := stats.Percentile(values, 50)
		if err != nil {
			return nil, fmt.Errorf("MetricsRecorder.Summaries: failed to compute p50 for %s: %w", name, err)
		}

		p95, err := stats.Percentile(values, 95)
		if err != nil {
			return nil, fmt.Errorf("MetricsRecorder.Summaries: failed to compute p95 for %s: %w", name, err)
		}

		max, err := stats.Max(values)
		if err != nil {
			return nil, fmt.Errorf("MetricsRecorder.Summaries: failed to compute max for %s: %w", name, err)
		}

		summaries = append(summaries, eventmodels.MetricSummary{
			Name:  name,
			Unit:  units[name],
			Count: len(values),
			Mean:  mean,
			P50:   p50,
			P95:   p95,
			Max:   max,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})

	return summaries, nil
}

// LogSummaries prints per-metric aggregates, typically on shutdown.
func (r *MetricsRecorder) LogSummaries(since time.Time) {
	summaries, err := r.Summaries(since)
	if err != nil {
		log.Errorf("MetricsRecorder.LogSummaries: %v", err)
		return
	}

	for _, s := range summaries {
		log.Infof("metric %s: count=%d mean=%.3f%s p50=%.3f%s p95=%.3f%s max=%.3f%s", s.Name, s.Count, s.Mean, s.Unit, s.P50, s.Unit, s.P95, s.Unit, s.Max, s.Unit)
	}
}

// Start flushes on a fixed interval until the context is cancelled, then
// flushes one final time.
func (r *MetricsRecorder) Start(ctx context.Context) {
	r.wg.Add(1)

	log.Debug("Starting MetricsRecorder...")

	go r.run(ctx)
}

func (r *MetricsRecorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush()
		case <-ctx.Done():
			r.Flush()
			log.Debug("MetricsRecorder: shutting down")
			return
		}
	}
}
