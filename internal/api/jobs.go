package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/collection"
	"github.com/JakeFAU/novelfetch/internal/scheduler"
)

type jobRequest struct {
	SourceURL      string  `json:"source_url"`
	OutputDir      *string `json:"output_dir"`
	Format         *string `json:"format"`
	SplitFiles     *bool   `json:"split_files"`
	Delay          *string `json:"delay"`
	ChapterLimit   *int    `json:"chapter_limit"`
	Chapters       string  `json:"chapters"`
	ChapterIndices []int   `json:"chapter_indices"`
	Title          string  `json:"title"`
}

type batchRequest struct {
	ListingURL string `json:"listing_url"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	jobRequest
}

type concurrencyRequest struct {
	MaxConcurrency int `json:"max_concurrency"`
}

type batchAdded struct {
	JobID string `json:"job_id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		writeError(w, http.StatusBadRequest, "source_url required")
		return
	}
	params, err := s.toJobParameters(req.SourceURL, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.sched.Add(params)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.List()
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := book.JobStatus(strings.ToLower(raw))
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.sched.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if err := s.sched.Start(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	s.sched.Pause(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	s.sched.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) clearFinished(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.sched.ClearFinished()})
}

func (s *Server) startAll(w http.ResponseWriter, _ *http.Request) {
	if _, active := s.sched.Challenge(); active {
		writeError(w, http.StatusConflict, scheduler.ErrChallengeActive.Error())
		return
	}
	s.sched.StartAll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) pauseAll(w http.ResponseWriter, _ *http.Request) {
	s.sched.PauseAll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelAll(w http.ResponseWriter, _ *http.Request) {
	s.sched.CancelAll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getConcurrency(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, concurrencyRequest{MaxConcurrency: s.sched.Concurrency()})
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.sched.SetConcurrency(req.MaxConcurrency); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, concurrencyRequest{MaxConcurrency: s.sched.Concurrency()})
}

func (s *Server) getChallenge(w http.ResponseWriter, _ *http.Request) {
	ch, active := s.sched.Challenge()
	if !active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "challenge": ch})
}

func (s *Server) resolveChallenge(w http.ResponseWriter, _ *http.Request) {
	s.sched.ResolveChallenge()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) expandBatch(w http.ResponseWriter, r *http.Request) {
	if s.expander == nil {
		writeError(w, http.StatusServiceUnavailable, "batch expansion unavailable")
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	template, err := s.toJobParameters(req.ListingURL, req.jobRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	creq := collection.Request{ListingURL: req.ListingURL, Start: req.Start, End: req.End, Template: template}
	if err := creq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exp, err := s.expander.Expand(r.Context(), creq)
	if err != nil {
		if errors.Is(err, collection.ErrEmptySelection) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Warn("batch expansion failed", zap.String("listing", req.ListingURL), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	added := make([]batchAdded, 0, len(exp.Added))
	for _, a := range exp.Added {
		added = append(added, batchAdded{JobID: a.JobID, Title: a.Entry.Title, URL: a.Entry.URL})
	}
	skipped := make(map[string]string, len(exp.Skipped))
	for url, err := range exp.Skipped {
		skipped[url] = err.Error()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added, "skipped": skipped})
}

// toJobParameters overlays the request on the configured defaults.
func (s *Server) toJobParameters(sourceURL string, req jobRequest) (book.JobParameters, error) {
	params := s.defaults(strings.TrimSpace(sourceURL))
	params.OutputDir = valueOrDefault(req.OutputDir, params.OutputDir)
	params.SplitFiles = valueOrDefault(req.SplitFiles, params.SplitFiles)
	params.ChapterLimit = valueOrDefault(req.ChapterLimit, params.ChapterLimit)
	params.Title = strings.TrimSpace(req.Title)
	if req.Format != nil {
		f, err := book.ParseFormat(*req.Format)
		if err != nil {
			return book.JobParameters{}, err
		}
		params.Format = f
	}
	if req.Delay != nil {
		d, err := book.ParseDelay(*req.Delay)
		if err != nil {
			return book.JobParameters{}, err
		}
		params.Delay = d
	}
	switch {
	case req.Chapters != "" && len(req.ChapterIndices) > 0:
		return book.JobParameters{}, fmt.Errorf("chapters and chapter_indices are mutually exclusive")
	case req.Chapters != "":
		indices, err := book.ParseChapterRange(req.Chapters)
		if err != nil {
			return book.JobParameters{}, err
		}
		params.ChapterIndices = indices
	case len(req.ChapterIndices) > 0:
		params.ChapterIndices = append([]int(nil), req.ChapterIndices...)
	}
	return params, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrDuplicateTarget), errors.Is(err, scheduler.ErrChallengeActive):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidParameters), errors.Is(err, scheduler.ErrInvalidConcurrency):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
