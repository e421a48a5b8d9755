package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTLs for the detection tables. Zero keeps the
// TTL from the migration.
type RetentionConfig struct {
	DetectionsTTL time.Duration `yaml:"detections_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// RetentionManager applies configured TTLs to the tables.
type RetentionManager struct {
	client execQuerier
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client execQuerier, config RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: config, logger: logger}
}

// ApplyTTLs updates table TTLs. Run it after migrations. Failures are
// logged and skipped so a missing table does not block startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	policies := []struct {
		table  string
		column string
		ttl    time.Duration
	}{
		{detectionsTable, "timestamp", r.config.DetectionsTTL},
		{quarantineTable, "quarantined_at", r.config.QuarantineTTL},
	}

	for _, p := range policies {
		if p.ttl <= 0 {
			continue
		}

		query := ttlStatement(p.table, p.column, p.ttl)
		if err := r.client.Exec(ctx, query); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", p.table, "error", err)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl", p.ttl.String())
	}
	return nil
}

// ttlStatement renders the ALTER for a TTL rounded up to whole days.
func ttlStatement(table, column string, ttl time.Duration) string {
	days := int((ttl + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(table), sanitizeTableName(column), days)
}

// sanitizeTableName keeps only identifier characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
