package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/api"
	"github.com/BaSui01/agentfabric/internal/journal"
	"github.com/BaSui01/agentfabric/types"
)

// EventStore is the read side of the event journal.
type EventStore interface {
	Query(ctx context.Context, f journal.Filter) ([]types.Event, error)
	Stats() journal.Stats
}

// StatsHandler serves runtime counters and the event journal.
type StatsHandler struct {
	stats  func() any
	events EventStore
	logger *zap.Logger
}

// NewStatsHandler creates a stats handler. events may be nil when the
// journal is disabled.
func NewStatsHandler(stats func() any, events EventStore, logger *zap.Logger) *StatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandler{stats: stats, events: events, logger: logger.With(zap.String("handler", "stats"))}
}

// HandleStats returns manager, router, bridge and event bus counters.
// @Summary Runtime statistics
// @Tags stats
// @Produce json
// @Security ApiKeyAuth
// @Router /v1/stats [get]
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"fabric": h.stats()}
	if h.events != nil {
		data["journal"] = h.events.Stats()
	}
	WriteSuccess(w, r, data)
}

// HandleEvents queries the journal. Filters: type (repeatable or comma
// separated), message_id, agent_id, since and until (RFC 3339), limit.
// @Summary Query journaled events
// @Tags stats
// @Produce json
// @Success 200 {object} Response{data=api.EventsResponse} "Events, oldest first"
// @Security ApiKeyAuth
// @Router /v1/events [get]
func (h *StatsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		WriteErrorMessage(w, r, types.KindCapabilityNotFound, "event journal is disabled", h.logger)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	events, err := h.events.Query(r.Context(), filter)
	if err != nil {
		WriteError(w, r, types.NewError(types.KindInternal, "query events").WithCause(err).WithSource("journal"), h.logger)
		return
	}
	WriteSuccess(w, r, api.EventsResponse{Events: events, Count: len(events)})
}

func parseFilter(r *http.Request) (journal.Filter, error) {
	q := r.URL.Query()
	f := journal.Filter{
		MessageID: q.Get("message_id"),
		AgentID:   q.Get("agent_id"),
	}
	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, types.EventType(t))
			}
		}
	}

	var err error
	if f.Since, err = parseTime(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until"), "until"); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return f, types.Errorf(types.KindValidation, "invalid limit %q", v).WithSource("http")
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, types.Errorf(types.KindValidation, "invalid %s %q", name, v).WithCause(err).WithSource("http")
	}
	return t, nil
}
