package store

import (
	"time"
)

// Statistics is the aggregate view served by /api/executions/statistics.
type Statistics struct {
	TotalExecutions    int            `json:"total_executions"`
	ByStatus           map[string]int `json:"by_status"`
	TotalSteps         int            `json:"total_steps"`
	TotalArtifacts     int            `json:"total_artifacts"`
	ArtifactBytes      int64          `json:"artifact_bytes"`
	AvgDurationSeconds float64        `json:"avg_duration_seconds"`
}

// GetStatistics aggregates counts and averages across all executions.
func (s *Store) GetStatistics() (*Statistics, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	stats := &Statistics{ByStatus: map[string]int{}}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, mapError(err, "")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, mapError(err, "")
		}
		stats.ByStatus[status] = count
		stats.TotalExecutions += count
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "")
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM steps`).Scan(&stats.TotalSteps); err != nil {
		return nil, mapError(err, "")
	}
	if err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM artifacts`).
		Scan(&stats.TotalArtifacts, &stats.ArtifactBytes); err != nil {
		return nil, mapError(err, "")
	}

	// Durations are stored as timestamps; averaging happens here rather
	// than in SQL so the time parsing stays in one place.
	drows, err := s.db.Query(`
		SELECT started_at, completed_at FROM executions
		WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL`)
	if err != nil {
		return nil, mapError(err, "")
	}
	defer drows.Close()
	var total time.Duration
	var n int
	for drows.Next() {
		var started, completed string
		if err := drows.Scan(&started, &completed); err != nil {
			return nil, mapError(err, "")
		}
		st, ct := parseTime(started), parseTime(completed)
		if ct.After(st) {
			total += ct.Sub(st)
			n++
		}
	}
	if err := drows.Err(); err != nil {
		return nil, mapError(err, "")
	}
	if n > 0 {
		stats.AvgDurationSeconds = total.Seconds() / float64(n)
	}
	return stats, nil
}

// CountByStatus returns how many executions are in the given status.
func (s *Store) CountByStatus(status string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE status = ?`, status).Scan(&n)
	return n, mapError(err, "")
}
