package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"edgewatch/internal/logger"
	"edgewatch/internal/models"
)

// ClickHouseConfig holds connection settings
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore keeps alert history in ClickHouse
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouse connects, pings and initializes the schema
func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
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
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &ClickHouseStore{conn: conn}
	if err := s.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log := logger.WithComponent("clickhouse")

	log.Info().
		Str("addr", cfg.Addr).
		Str("database", cfg.Database).
		Msg("connected to ClickHouse")

	return s, nil
}

// InitSchema creates the tables if they don't exist
func (s *ClickHouseStore) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := s.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// SaveAlerts inserts alerts in one batch
func (s *ClickHouseStore) SaveAlerts(ctx context.Context, envelopes []*models.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO alert_events
		(id, timestamp, device_id, metric, band, value, reason, kind, streak, node, emitted_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare alert batch: %w", err)
	}

	for _, env := range envelopes {
		a := env.Alert
		if err := batch.Append(
			a.ID,
			a.Timestamp,
			a.DeviceID,
			string(a.Metric),
			a.Band.String(),
			a.Value,
			a.Reason,
			string(a.Kind),
			uint32(a.Streak),
			env.Node,
			env.EmittedAt,
		); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append alert %s: %w", a.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert alerts: %w", err)
	}
	return nil
}

type alertRow struct {
	ID        string    `ch:"id"`
	Timestamp time.Time `ch:"timestamp"`
	DeviceID  string    `ch:"device_id"`
	Metric    string    `ch:"metric"`
	Band      string    `ch:"band"`
	Value     float64   `ch:"value"`
	Reason    string    `ch:"reason"`
	Kind      string    `ch:"kind"`
	Streak    uint32    `ch:"streak"`
}

// RecentAlerts returns the newest alerts, optionally for one device
func (s *ClickHouseStore) RecentAlerts(ctx context.Context, deviceID string, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, device_id, metric, band, value, reason, kind, streak
		FROM alert_events`
	args := []interface{}{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var rows []alertRow
	if err := s.conn.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	alerts := make([]models.AlertEvent, 0, len(rows))
	for _, r := range rows {
		var band models.Band
		if err := band.UnmarshalText([]byte(r.Band)); err != nil {
			return nil, fmt.Errorf("alert %s: %w", r.ID, err)
		}
		alerts = append(alerts, models.AlertEvent{
			ID:        r.ID,
			DeviceID:  r.DeviceID,
			Metric:    models.Metric(r.Metric),
			Band:      band,
			Value:     r.Value,
			Timestamp: r.Timestamp.UTC(),
			Reason:    r.Reason,
			Kind:      models.AlertKind(r.Kind),
			Streak:    int(r.Streak),
		})
	}
	return alerts, nil
}

// Close closes the connection
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
