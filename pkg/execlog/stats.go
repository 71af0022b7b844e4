package execlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

const statsCacheTTL = 5 * time.Minute

// Stats aggregates a tenant's executions over the trailing window. Results
// are cached in the KV for five minutes; pass a nil KV to always compute.
func (s *Store) Stats(ctx context.Context, kv cache.KV, tenantID string, window time.Duration) (*contracts.ExecutionStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}

	cacheKey := fmt.Sprintf("stats:%s:%d", tenantID, int64(window.Seconds()))
	if kv != nil {
		if raw, err := kv.Get(ctx, cacheKey); err == nil {
			var cached contracts.ExecutionStats
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return &cached, nil
			}
		}
	}

	since := s.clock().UTC().Add(-window)
	query := s.rebind(`SELECT status, execution_time_ms FROM script_execution_logs
		WHERE tenant_id = ? AND created_at >= ?`)
	rows, err := s.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("execlog: stats: %w", err)
	}
	defer rows.Close()

	stats := &contracts.ExecutionStats{
		Window:   window,
		ByStatus: make(map[contracts.Status]int),
	}
	var latencies []int64
	for rows.Next() {
		var status string
		var ms int64
		if err := rows.Scan(&status, &ms); err != nil {
			return nil, fmt.Errorf("execlog: stats scan: %w", err)
		}
		st := contracts.Status(status)
		stats.Total++
		stats.ByStatus[st]++
		if st.Terminal() {
			latencies = append(latencies, ms)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	terminal := 0
	for st, n := range stats.ByStatus {
		if st.Terminal() {
			terminal += n
		}
	}
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[contracts.StatusSuccess]) / float64(terminal)
	}
	stats.P50LatencyMS = percentile(latencies, 50)
	stats.P95LatencyMS = percentile(latencies, 95)
	stats.P99LatencyMS = percentile(latencies, 99)

	if kv != nil {
		if encoded, err := json.Marshal(stats); err == nil {
			_ = kv.Set(ctx, cacheKey, string(encoded), statsCacheTTL)
		}
	}
	return stats, nil
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (p*len(sorted) + 99) / 100 // ceil(p/100 * n)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
