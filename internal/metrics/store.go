package metrics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/opsgate/opsgate/internal/operr"
)

// Query pagination bounds.
const (
	MinQueryLimit = 1
	MaxQueryLimit = 1000
)

// Sample is one stored measurement. Timestamps are seconds since epoch so
// range predicates compare a single REAL column.
type Sample struct {
	ID         int64   `gorm:"column:id;primaryKey" json:"id"`
	Timestamp  float64 `gorm:"column:timestamp" json:"timestamp"`
	MetricType string  `gorm:"column:metric_type" json:"metric_type"`
	Value      float64 `gorm:"column:value" json:"value"`
	Metadata   string  `gorm:"column:metadata" json:"metadata,omitempty"`
}

// TableName implements gorm's naming override.
func (Sample) TableName() string { return "metrics" }

// Epoch converts a wall-clock time to the stored representation.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// QuerySpec selects samples in the half-open range [Start, End).
type QuerySpec struct {
	Start float64
	End   float64
	// Type filters to one metric_type when non-empty.
	Type   string
	Offset int
	Limit  int
}

// Aggregations computable in the store.
const (
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
	AggCount = "count"
)

var aggExprs = map[string]string{
	AggMin:   "MIN(value)",
	AggMax:   "MAX(value)",
	AggAvg:   "AVG(value)",
	AggCount: "COUNT(*)",
}

// AggregateSpec collapses a range to one row per metric_type.
type AggregateSpec struct {
	Start float64
	End   float64
	Type  string
	Fn    string
}

// AggregateRow is one aggregation result.
type AggregateRow struct {
	MetricType string  `gorm:"column:metric_type" json:"metric_type"`
	Value      float64 `gorm:"column:value" json:"value"`
}

// Store reads and writes the metrics table. One writer, many readers; the
// sampler batches its writes so readers contend only briefly.
type Store struct {
	db *gorm.DB
}

// NewStore opens the database per cfg, migrates the schema, and returns the
// ready store.
func NewStore(cfg DBConfig) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// InsertBatch writes samples in one statement. An empty batch is a no-op.
func (s *Store) InsertBatch(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&samples).Error; err != nil {
		return fmt.Errorf("metrics: inserting batch of %d: %w", len(samples), err)
	}
	return nil
}

// Query returns samples in [Start, End) ordered by timestamp ascending, id
// breaking ties so pagination is stable while the sampler appends.
func (s *Store) Query(ctx context.Context, q QuerySpec) ([]Sample, error) {
	if q.Limit < MinQueryLimit || q.Limit > MaxQueryLimit {
		return nil, operr.InvalidArgumentf("limit must be between %d and %d", MinQueryLimit, MaxQueryLimit).
			With("limit", q.Limit)
	}
	if q.Offset < 0 {
		return nil, operr.InvalidArgumentf("offset must not be negative").With("offset", q.Offset)
	}
	if q.Start >= q.End {
		return []Sample{}, nil
	}

	tx := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", q.Start, q.End)
	if q.Type != "" {
		tx = tx.Where("metric_type = ?", q.Type)
	}

	samples := []Sample{}
	err := tx.Order("timestamp ASC, id ASC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("metrics: querying samples: %w", err)
	}
	return samples, nil
}

// Aggregate computes Fn over [Start, End), one row per metric_type. An empty
// range yields no rows.
func (s *Store) Aggregate(ctx context.Context, q AggregateSpec) ([]AggregateRow, error) {
	expr, ok := aggExprs[q.Fn]
	if !ok {
		return nil, operr.InvalidArgumentf("aggregation must be one of min, max, avg, count").
			With("aggregation", q.Fn)
	}
	if q.Start >= q.End {
		return []AggregateRow{}, nil
	}

	tx := s.db.WithContext(ctx).
		Table(Sample{}.TableName()).
		Select("metric_type, " + expr + " AS value").
		Where("timestamp >= ? AND timestamp < ?", q.Start, q.End)
	if q.Type != "" {
		tx = tx.Where("metric_type = ?", q.Type)
	}

	rows := []AggregateRow{}
	if err := tx.Group("metric_type").Order("metric_type ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("metrics: aggregating samples: %w", err)
	}
	return rows, nil
}

// DeleteOlderThan removes samples with timestamp strictly below cutoff and
// reports how many went.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Sample{})
	if res.Error != nil {
		return 0, fmt.Errorf("metrics: enforcing retention: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("metrics: getting sql.DB: %w", err)
	}
	return sqlDB.Close()
}
