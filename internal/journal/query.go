package journal

import (
	"context"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// Filter selects journal records. Zero fields match everything.
type Filter struct {
	Types     []types.EventType
	MessageID string
	AgentID   string
	Since     time.Time
	Until     time.Time
	Limit     int
}

const maxQueryLimit = 1000

// Query returns matching events, oldest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]types.Event, error) {
	q := j.db.WithContext(ctx).Model(&Record{})
	if len(f.Types) > 0 {
		names := make([]string, len(f.Types))
		for i, t := range f.Types {
			names[i] = string(t)
		}
		q = q.Where("type IN ?", names)
	}
	if f.MessageID != "" {
		q = q.Where("message_id = ?", f.MessageID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if !f.Since.IsZero() {
		q = q.Where("occurred_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("occurred_at < ?", f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var records []Record
	if err := q.Order("id ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]types.Event, len(records))
	for i, r := range records {
		out[i] = r.Event()
	}
	return out, nil
}

// Prune deletes records older than cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("occurred_at < ?", cutoff.UTC()).Delete(&Record{})
	return res.RowsAffected, res.Error
}
