package metrics

import "database/sql"

// DBPoolStats is a JSON-friendly view of sql.DBStats.
type DBPoolStats struct {
	MaxOpen        int     `json:"max_open"`
	Open           int     `json:"open"`
	InUse          int     `json:"in_use"`
	Idle           int     `json:"idle"`
	WaitCount      int64   `json:"wait_count"`
	WaitDurationMs float64 `json:"wait_duration_ms"`
	Utilization    float64 `json:"utilization"`
}

// GetDBPoolStats reads the pool statistics of db.
func GetDBPoolStats(db *sql.DB) DBPoolStats {
	s := db.Stats()
	stats := DBPoolStats{
		MaxOpen:        s.MaxOpenConnections,
		Open:           s.OpenConnections,
		InUse:          s.InUse,
		Idle:           s.Idle,
		WaitCount:      s.WaitCount,
		WaitDurationMs: float64(s.WaitDuration.Microseconds()) / 1000,
	}
	if s.MaxOpenConnections > 0 {
		stats.Utilization = float64(s.InUse) / float64(s.MaxOpenConnections)
	}
	return stats
}
