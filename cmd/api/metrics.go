package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// newPrometheusRegistry builds the registry served on /metrics: runtime
// collectors plus connection pool gauges. redisClient may be nil.
func newPrometheusRegistry(pool *pgxpool.Pool, redisClient *redis.Client) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	poolGauge := func(name, help string, value func(*pgxpool.Stat) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dnc",
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(pool.Stat()) })
	}
	reg.MustRegister(
		poolGauge("total_connections", "Open connections in the registry pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		poolGauge("acquired_connections", "Connections currently checked out",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		poolGauge("idle_connections", "Idle connections",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		poolGauge("max_connections", "Configured pool size",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		poolGauge("empty_acquire_total", "Acquires that waited for a free connection",
			func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
	)

	if redisClient != nil {
		redisGauge := func(name, help string, value func(*redis.PoolStats) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "dnc",
				Subsystem: "redis_pool",
				Name:      name,
				Help:      help,
			}, func() float64 { return value(redisClient.PoolStats()) })
		}
		reg.MustRegister(
			redisGauge("total_connections", "Open connections to Redis",
				func(s *redis.PoolStats) float64 { return float64(s.TotalConns) }),
			redisGauge("idle_connections", "Idle Redis connections",
				func(s *redis.PoolStats) float64 { return float64(s.IdleConns) }),
			redisGauge("timeouts_total", "Times a Redis connection wait timed out",
				func(s *redis.PoolStats) float64 { return float64(s.Timeouts) }),
		)
	}

	return reg
}
