package storage

const (
	// AlertEventsTableSQL creates the alert_events table
	AlertEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS alert_events (
			id String,
			timestamp DateTime64(3),
			device_id String,
			metric LowCardinality(String),
			band LowCardinality(String),
			value Float64,
			reason String,
			kind LowCardinality(String),
			streak UInt32,
			node String,
			emitted_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`
)

// AllTables returns every table statement in creation order
func AllTables() []string {
	return []string{
		AlertEventsTableSQL,
	}
}
