package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentfabric/types"
)

// ErrClosed is returned by Close when the journal was already closed.
var ErrClosed = errors.New("journal: closed")

// Record is the persisted form of a types.Event.
type Record struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Type       string    `gorm:"size:64;index"`
	Source     string    `gorm:"size:32"`
	MessageID  string    `gorm:"size:64;index"`
	Method     string    `gorm:"size:128"`
	AgentID    string    `gorm:"size:128;index"`
	Strategy   string    `gorm:"size:32"`
	Kind       string    `gorm:"size:64"`
	Attempt    int       `gorm:"default:0"`
	Data       string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"index"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "fabric_events" }

// Config tunes buffering.
type Config struct {
	// Buffer is the capacity of the in-memory queue. Events beyond it are
	// dropped so publishers never block.
	Buffer int
	// BatchSize is the maximum rows per insert.
	BatchSize int
	// FlushInterval bounds how long an event waits before being written.
	FlushInterval time.Duration
}

// DefaultConfig returns the journal defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:        1024,
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// Stats reports journal throughput.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// Journal is a types.EventSink that persists events asynchronously.
type Journal struct {
	db     *gorm.DB
	config Config
	logger *zap.Logger
	now    func() time.Time

	events chan types.Event
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New migrates the events table and starts the writer.
func New(db *gorm.DB, config Config, logger *zap.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	j := &Journal{
		db:     db,
		config: config,
		logger: logger.With(zap.String("component", "journal")),
		now:    time.Now,
		events: make(chan types.Event, config.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Publish implements types.EventSink. It never blocks.
func (j *Journal) Publish(ev types.Event) {
	if j.closed.Load() {
		j.dropped.Add(1)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now()
	}
	select {
	case j.events <- ev:
	default:
		if j.dropped.Add(1)%100 == 1 {
			j.logger.Warn("journal buffer full, dropping events", zap.Int64("dropped", j.dropped.Load()))
		}
	}
}

// Close stops accepting events, writes what is buffered and waits for the
// writer, or for ctx.
func (j *Journal) Close(ctx context.Context) error {
	if !j.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	j.once.Do(func() { close(j.stop) })
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
		Pending: len(j.events),
	}
}

func (j *Journal) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, j.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		j.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-j.events:
			batch = append(batch, toRecord(ev))
			if len(batch) >= j.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.stop:
			for {
				select {
				case ev := <-j.events:
					batch = append(batch, toRecord(ev))
					if len(batch) >= j.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (j *Journal) write(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.db.WithContext(ctx).CreateInBatches(batch, j.config.BatchSize).Error; err != nil {
		j.failed.Add(int64(len(batch)))
		j.logger.Error("journal write failed", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	j.written.Add(int64(len(batch)))
}

func toRecord(ev types.Event) Record {
	r := Record{
		Type:       string(ev.Type),
		Source:     ev.Source,
		MessageID:  ev.MessageID,
		Method:     ev.Method,
		AgentID:    ev.AgentID,
		Strategy:   string(ev.Strategy),
		Kind:       string(ev.Kind),
		Attempt:    ev.Attempt,
		OccurredAt: ev.Timestamp.UTC(),
	}
	if len(ev.Data) > 0 {
		if raw, err := json.Marshal(ev.Data); err == nil {
			r.Data = string(raw)
		}
	}
	return r
}

// Event converts the record back to a types.Event.
func (r Record) Event() types.Event {
	ev := types.Event{
		Type:      types.EventType(r.Type),
		Source:    r.Source,
		Timestamp: r.OccurredAt,
		MessageID: r.MessageID,
		Method:    r.Method,
		AgentID:   r.AgentID,
		Strategy:  types.RoutingStrategy(r.Strategy),
		Kind:      types.ErrorKind(r.Kind),
		Attempt:   r.Attempt,
	}
	if r.Data != "" {
		_ = json.Unmarshal([]byte(r.Data), &ev.Data)
	}
	return ev
}
