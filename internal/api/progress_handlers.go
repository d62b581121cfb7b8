package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/progress"
	"github.com/JakeFAU/novelfetch/internal/progress/sinks"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ProgressHandler exposes read-only access to recent notifications.
type ProgressHandler struct {
	feed   EventFeed
	logger *zap.Logger
}

// NewProgressHandler wires the feed and logger.
func NewProgressHandler(feed EventFeed, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{feed: feed, logger: logger}
}

// ListEvents handles GET /v1/events?after=&limit=&job_id=&stage=. It returns
// {"events": [...], "next": seq} where next is the cursor for the following
// call, 400 for invalid parameters, or 503 when no feed is configured.
func (h *ProgressHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	after, limit, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	stage := progress.Stage(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("stage"))))

	// A cursor from an earlier process can run ahead of this feed.
	if last := h.feed.Last(); after > last {
		after = last
	}
	next := after
	events := make([]sinks.Record, 0, limit)
	for _, rec := range h.feed.Since(after) {
		if len(events) == limit {
			break
		}
		next = rec.Seq
		if jobID != "" && rec.JobID != jobID {
			continue
		}
		if stage != "" && rec.Stage != stage {
			continue
		}
		events = append(events, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

func parseCursor(r *http.Request) (uint64, int, error) {
	q := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.New("after must be a non-negative integer")
		}
		after = v
	}
	limit := defaultEventLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if v > maxEventLimit {
			v = maxEventLimit
		}
		limit = v
	}
	return after, limit, nil
}
