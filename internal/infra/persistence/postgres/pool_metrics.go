package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/luxgrid/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"luxgrid_db_pool_connections_total", "Total connections (idle + acquired + constructing)", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"luxgrid_db_pool_connections_idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"luxgrid_db_pool_connections_acquired", "Connections currently acquired by callers", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"luxgrid_db_pool_connections_constructing", "Connections currently being constructed", func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
// A nil meter uses the global provider.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string, meter metric.Meter) error {
	if pool == nil {
		return nil
	}
	if meter == nil {
		meter = otel.Meter("luxgrid.postgres")
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	for _, gauge := range poolGauges {
		read := gauge.read
		_, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("register %s: %w", gauge.name, err)
		}
	}
	return nil
}
