package facade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/export"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// Defaults supplies the configured fallback values applied to a submission
// that omits thresholds or maxRecords entirely. An explicitly supplied zero
// is honored literally, never replaced.
type Defaults struct {
	Thresholds types.Thresholds
	MaxRecords int
}

// Server exposes the Facade's operations over HTTP.
type Server struct {
	facade   *Facade
	defaults Defaults
	mux      *http.ServeMux
}

// NewServer wires a Facade's operations onto a fresh ServeMux.
func NewServer(f *Facade, defaults Defaults) *Server {
	s := &Server{facade: f, defaults: defaults, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler, for embedding in a larger mux
// (e.g. one that also serves /metrics).
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/restart", s.handleRestartJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/upload", s.handleTriggerUpload)
	s.mux.HandleFunc("POST /api/jobs/{id}/reset-sync", s.handleResetSync)
	s.mux.HandleFunc("GET /api/jobs/{id}/export", s.handleExport)

	s.mux.HandleFunc("GET /api/records", s.handleListRecords)
	s.mux.HandleFunc("POST /api/records/{id}/category", s.handleSetCategory)

	// Cross-job variants: upload or export every job's records at once.
	s.mux.HandleFunc("POST /api/upload", s.handleTriggerUpload)
	s.mux.HandleFunc("GET /api/export", s.handleExport)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	// Pointer fields distinguish "omitted" (fall back to the configured
	// defaults) from an explicit zero, which is honored literally.
	var body struct {
		Name       string   `json:"name"`
		Accounts   []string `json:"accounts"`
		Keywords   []string `json:"keywords"`
		MinLikes   *uint32  `json:"min_likes"`
		MinReplies *uint32  `json:"min_replies"`
		MinReposts *uint32  `json:"min_reposts"`
		MaxRecords *int     `json:"max_records"`
		AutoUpload bool     `json:"auto_upload"`
		Priority   int      `json:"priority"`
		Combining  string   `json:"combining"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	thresholds := s.defaults.Thresholds
	if body.MinLikes != nil {
		thresholds.MinLikes = *body.MinLikes
	}
	if body.MinReplies != nil {
		thresholds.MinReplies = *body.MinReplies
	}
	if body.MinReposts != nil {
		thresholds.MinReposts = *body.MinReposts
	}
	maxRecords := s.defaults.MaxRecords
	if body.MaxRecords != nil {
		maxRecords = *body.MaxRecords
	}

	id, err := s.facade.SubmitJob(r.Context(), SubmitJobRequest{
		Name:       body.Name,
		Accounts:   body.Accounts,
		Keywords:   body.Keywords,
		Thresholds: thresholds,
		MaxRecords: maxRecords,
		AutoUpload: body.AutoUpload,
		Priority:   body.Priority,
		Combining:  types.CombiningRule(body.Combining),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := types.JobState(r.URL.Query().Get("state"))
	jobs, err := s.facade.ListJobs(r.Context(), state)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.facade.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.CancelJob(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.RestartJob(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleTriggerUpload(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	uploaded, err := s.facade.TriggerUpload(r.Context(), r.PathValue("id"), dryRun)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"uploaded": uploaded, "dry_run": dryRun})
}

func (s *Server) handleResetSync(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.ResetSync(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatJSON
	}
	req := ExportRequest{JobID: r.PathValue("id"), Format: format}
	if v := r.URL.Query().Get("since_synced_at"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "since_synced_at must be RFC 3339"})
			return
		}
		req.SinceSyncedAt = since
	}
	blob, err := s.facade.ExportRecords(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(format))
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListRecordsRequest{JobID: q.Get("job_id")}
	if v := q.Get("synced"); v != "" {
		synced := v == "true"
		req.Synced = &synced
	}
	if v := q.Get("limit"); v != "" {
		req.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		req.Offset, _ = strconv.Atoi(v)
	}

	records, err := s.facade.ListRecords(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, records)
}

func (s *Server) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid record id"})
		return
	}
	var body struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := s.facade.SetRecordCategory(r.Context(), id, body.Category); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "updated"})
}

func contentTypeFor(format export.Format) string {
	switch format {
	case export.FormatCSV:
		return "text/csv"
	case export.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

func writeErr(w http.ResponseWriter, err error) {
	var constraintErr *types.ConstraintViolationError
	switch {
	case errors.As(err, &constraintErr):
		jsonResponse(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, types.ErrRecordNotFound):
		jsonResponse(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
