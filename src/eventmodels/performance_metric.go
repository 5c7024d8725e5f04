package eventmodels

import (
	"time"

	"gorm.io/gorm"
)

// PerformanceMetric is one latency or throughput sample, persisted so that
// summaries survive restarts.
type PerformanceMetric struct {
	gorm.Model
	Name       string    `json:"name" gorm:"column:name;index"`
	Value      float64   `json:"value" gorm:"column:value"`
	Unit       string    `json:"unit" gorm:"column:unit"`
	RecordedAt time.Time `json:"recorded_at" gorm:"column:recorded_at;index"`
}

// MetricSummary is the aggregate view served by the ops endpoint.
type MetricSummary struct {
	Name  string  `json:"name"`
	Unit  string  `json:"unit"`
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}
