// Package resultstore archives fetched inference results in ClickHouse.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/logger"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS inference_results (
		stored_at   DateTime64(3),
		device_id   String,
		result_id   String,
		model_id    String,
		ts          DateTime64(3),
		inferences  UInt32,
		raw         String
	) ENGINE = MergeTree()
	ORDER BY (device_id, ts)
`

const insertRows = `INSERT INTO inference_results (stored_at, device_id, result_id, model_id, ts, inferences, raw)`

// Config holds the ClickHouse connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// conn is the part of driver.Conn the store uses.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// Store writes inference results to the inference_results table.
type Store struct {
	conn conn
	now  func() time.Time
}

// Open connects to ClickHouse and creates the table if missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := newStore(c)
	if err := s.InitSchema(ctx); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("ResultStore", "Connected to ClickHouse at %s/%s", cfg.Addr, cfg.Database)
	return s, nil
}

func newStore(c conn) *Store {
	return &Store{conn: c, now: time.Now}
}

// InitSchema creates the results table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create inference_results: %w", err)
	}
	return nil
}

// Store inserts results as one batch.
func (s *Store) Store(ctx context.Context, deviceID string, results []gateway.InferenceResult) error {
	if len(results) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, insertRows)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	storedAt := s.now()
	for _, r := range results {
		raw, err := rawJSON(r)
		if err != nil {
			batch.Abort()
			return err
		}
		device := r.DeviceID
		if device == "" {
			device = deviceID
		}
		ts := storedAt
		if r.Timestamp > 0 {
			ts = time.Unix(r.Timestamp, 0)
		}
		if err := batch.Append(storedAt, device, r.ID, r.ModelID, ts, uint32(len(r.Result.Inferences)), raw); err != nil {
			batch.Abort()
			return fmt.Errorf("append %s: %w", r.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert %d results: %w", len(results), err)
	}
	logger.Debug("ResultStore", "Stored %d results for %s", len(results), deviceID)
	return nil
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func rawJSON(r gateway.InferenceResult) (string, error) {
	if len(r.Raw) > 0 {
		return string(r.Raw), nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", r.ID, err)
	}
	return string(data), nil
}
