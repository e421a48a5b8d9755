// Package storage keeps detections in ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig configures the detection store connection. It is used
// when the eventstore backend is "clickhouse".
type ClickHouseConfig struct {
	Hosts            []string      `yaml:"hosts"`
	Database         string        `yaml:"database"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled       bool          `yaml:"tls_enabled"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"` // server-side cap per query
	Debug            bool          `yaml:"debug"`
}

func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:            []string{"localhost:9000"},
		Database:         "nids",
		Username:         "default",
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		DialTimeout:      10 * time.Second,
		MaxExecutionTime: 30 * time.Second,
	}
}

// Validate checks the settings needed to open a connection.
func (c ClickHouseConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("clickhouse: at least one host is required")
	}
	if c.Database == "" || sanitizeTableName(c.Database) != c.Database {
		return errors.New("clickhouse: database must be a plain identifier")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("clickhouse: max_idle_conns exceeds max_open_conns")
	}
	return nil
}

func (c ClickHouseConfig) options() *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     c.DialTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}
	if secs := int(c.MaxExecutionTime / time.Second); secs > 0 {
		opts.Settings = clickhouse.Settings{"max_execution_time": secs}
	}
	if c.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// ClickHouseClient is a thin wrapper over a native driver connection.
type ClickHouseClient struct {
	conn driver.Conn
}

// NewClickHouseClient opens a connection and pings it.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}
	return &ClickHouseClient{conn: conn}, nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping backs the /health check.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}
