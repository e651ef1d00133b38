// Package telemetry records per API call statistics.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/config"
)

// APICallStat is one finished API call.
type APICallStat struct {
	API           string
	CallerPackage string
	Status        string
	Latency       time.Duration
	Timestamp     time.Time
}

// APICallLogger receives API call stats. Implementations must not block callers.
type APICallLogger interface {
	LogAPICallStats(stat APICallStat)
}

// =============================================
// ZAP
// =============================================

// ZapLogger writes stats to the service log.
type ZapLogger struct {
	logger *zap.Logger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

func (l *ZapLogger) LogAPICallStats(stat APICallStat) {
	l.logger.Info("api call",
		zap.String("api", stat.API),
		zap.String("caller_package", stat.CallerPackage),
		zap.String("status", stat.Status),
		zap.Duration("latency", stat.Latency),
	)
}

// =============================================
// MULTI
// =============================================

// MultiLogger fans out to several loggers.
type MultiLogger []APICallLogger

func (m MultiLogger) LogAPICallStats(stat APICallStat) {
	for _, l := range m {
		l.LogAPICallStats(stat)
	}
}

// =============================================
// CLICKHOUSE
// =============================================

const insertAPICallStats = "INSERT INTO api_call_stats (id, ts, api, caller_package, status, latency_ms)"

const createAPICallStats = `CREATE TABLE IF NOT EXISTS api_call_stats (
	id UUID,
	ts DateTime64(3),
	api LowCardinality(String),
	caller_package String,
	status LowCardinality(String),
	latency_ms UInt32
) ENGINE = MergeTree ORDER BY (api, ts)`

// ClickHouseLogger buffers stats and batch inserts them into ClickHouse when
// the buffer is full or the flush interval elapses.
type ClickHouseLogger struct {
	flush     func(ctx context.Context, rows []APICallStat) error
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	buffer []APICallStat

	stop chan struct{}
	done chan struct{}
}

// NewClickHouseLogger connects to ClickHouse, creates the stats table and
// starts the flush loop.
func NewClickHouseLogger(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseLogger, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createAPICallStats); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create api_call_stats: %w", err)
	}

	logger.Info("connected to ClickHouse",
		zap.String("addr", cfg.Addr),
		zap.String("database", cfg.Database),
	)

	flush := func(ctx context.Context, rows []APICallStat) error {
		batch, err := conn.PrepareBatch(ctx, insertAPICallStats)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := batch.Append(uuid.New(), r.Timestamp, r.API, r.CallerPackage, r.Status, uint32(r.Latency.Milliseconds())); err != nil {
				batch.Abort()
				return err
			}
		}
		return batch.Send()
	}

	l := newClickHouseLogger(flush, cfg.BatchSize, logger)
	go l.run(cfg.FlushInterval, func() { conn.Close() })
	return l, nil
}

func newClickHouseLogger(flush func(context.Context, []APICallStat) error, batchSize int, logger *zap.Logger) *ClickHouseLogger {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ClickHouseLogger{
		flush:     flush,
		batchSize: batchSize,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (l *ClickHouseLogger) LogAPICallStats(stat APICallStat) {
	if stat.Timestamp.IsZero() {
		stat.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.buffer = append(l.buffer, stat)
	full := len(l.buffer) >= l.batchSize
	l.mu.Unlock()

	if full {
		go l.Flush(context.Background())
	}
}

// Flush writes buffered rows. Rows are dropped when the insert fails.
func (l *ClickHouseLogger) Flush(ctx context.Context) {
	l.mu.Lock()
	rows := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(rows) == 0 {
		return
	}
	if err := l.flush(ctx, rows); err != nil {
		l.logger.Error("failed to flush api call stats", zap.Int("rows", len(rows)), zap.Error(err))
	}
}

func (l *ClickHouseLogger) run(interval time.Duration, closeConn func()) {
	defer close(l.done)
	defer closeConn()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush(context.Background())
		case <-l.stop:
			l.Flush(context.Background())
			return
		}
	}
}

// Close flushes the buffer and stops the flush loop.
func (l *ClickHouseLogger) Close() {
	close(l.stop)
	<-l.done
}
