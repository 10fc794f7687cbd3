package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/daemon"
	"github.com/pagerelay/pagerelay/pkg/ingest"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/metrics"
	"github.com/pagerelay/pagerelay/pkg/policy"
	"github.com/pagerelay/pagerelay/pkg/progress"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/router"
)

// maxArchiveBytes caps uploaded archives at 4 GiB.
const maxArchiveBytes = 4 << 30

// cacheControl is the immutable browser cache policy for served pages.
const cacheControl = "public, max-age=604800, immutable"

// Server is the public HTTP surface: the read path, ingest submission,
// health, metrics, and the admin group switch.
type Server struct {
	addr       string
	reader     *Reader
	router     *router.Router
	policy     *policy.Service
	supervisor *daemon.Supervisor
	tracker    *progress.Tracker
	ingest     *ingest.Service
	httpServer *http.Server
	logger     zerolog.Logger
}

// Options carries the server dependencies.
type Options struct {
	Addr       string
	Reader     *Reader
	Router     *router.Router
	Policy     *policy.Service
	Supervisor *daemon.Supervisor
	Tracker    *progress.Tracker
	Ingest     *ingest.Service
}

// NewServer builds the server and its route table.
func NewServer(opts Options) *Server {
	s := &Server{
		addr:       opts.Addr,
		reader:     opts.Reader,
		router:     opts.Router,
		policy:     opts.Policy,
		supervisor: opts.Supervisor,
		tracker:    opts.Tracker,
		ingest:     opts.Ingest,
		logger:     log.WithComponent("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /proxy/{path...}", s.handleImage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /ingest/{id}", s.handleIngestStatus)
	mux.HandleFunc("POST /ingest/resume/{token}", s.handleIngestResume)
	mux.HandleFunc("GET /admin/status", s.handleAdminStatus)
	mux.HandleFunc("GET /admin/groups", s.handleAdminGroups)
	mux.HandleFunc("POST /admin/switch-group", s.handleSwitchGroup)

	s.httpServer = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.withRequestID(mux),
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", s.addr).Msg("http server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "pagerelay",
		"endpoints": []string{
			"/proxy/{path}", "/health", "/metrics",
			"/ingest", "/ingest/{id}", "/ingest/resume/{token}",
			"/admin/status", "/admin/groups", "/admin/switch-group",
		},
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	storedPath := r.PathValue("path")
	timer := metrics.NewTimer()

	src, err := s.reader.Open(r.Context(), storedPath)
	if err != nil {
		group := strconv.Itoa(s.router.GroupForPath(storedPath))
		switch {
		case errors.Is(err, rclone.ErrInvalidPath):
			metrics.ProxyRequestsTotal.WithLabelValues(group, "none", "400").Inc()
			http.Error(w, "invalid path", http.StatusBadRequest)
		case errors.Is(err, rclone.ErrNotFound):
			metrics.ProxyRequestsTotal.WithLabelValues(group, "none", "404").Inc()
			http.Error(w, "not found", http.StatusNotFound)
		default:
			metrics.ProxyRequestsTotal.WithLabelValues(group, "none", "502").Inc()
			s.logger.Warn().Err(err).Str("path", storedPath).Msg("image read failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		}
		return
	}
	defer src.Body.Close()

	group := strconv.Itoa(src.Group)
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Content-Type", src.ContentType)
	w.Header().Set("X-Storage-Group", group)
	w.Header().Set("X-Serve-Mode", src.Mode)
	if src.DaemonURL != "" {
		w.Header().Set("X-Serve-Daemon", src.DaemonURL)
	}
	if src.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(src.ContentLength, 10))
	}

	buf := make([]byte, streamChunkSize)
	n, err := io.CopyBuffer(w, src.Body, buf)
	if err != nil {
		// Headers are gone; nothing to do but log the broken stream.
		s.logger.Debug().Err(err).Str("path", storedPath).Msg("client stream aborted")
	}

	metrics.ProxyRequestsTotal.WithLabelValues(group, src.Mode, "200").Inc()
	metrics.ProxyBytesServed.WithLabelValues(group).Add(float64(n))
	timer.ObserveDurationVec(metrics.ProxyRequestDuration, src.Mode)
}

type healthResponse struct {
	Status      string               `json:"status"`
	ActiveGroup int                  `json:"active_group"`
	Groups      []router.GroupHealth `json:"groups"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		ActiveGroup: s.policy.Active(),
		Groups:      s.router.HealthAll(),
	}

	// Degraded when the active group has nothing selectable.
	for _, g := range resp.Groups {
		if g.Group == resp.ActiveGroup && g.AvailableRemotes == 0 {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type ingestResponse struct {
	JobID       string `json:"job_id"`
	PollURL     string `json:"poll_url"`
	ResumeToken string `json:"resume_token"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	s.submitIngest(w, r, "")
}

func (s *Server) handleIngestResume(w http.ResponseWriter, r *http.Request) {
	s.submitIngest(w, r, r.PathValue("token"))
}

func (s *Server) submitIngest(w http.ResponseWriter, r *http.Request, resumeToken string) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxArchiveBytes+1))
	if err != nil {
		http.Error(w, "read archive: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty archive", http.StatusBadRequest)
		return
	}
	if len(data) > maxArchiveBytes {
		http.Error(w, "archive too large", http.StatusRequestEntityTooLarge)
		return
	}

	q := r.URL.Query()
	params := ingest.Params{
		UploaderID:    q.Get("uploader"),
		BaseFolder:    q.Get("base_folder"),
		Type:          q.Get("type"),
		Status:        q.Get("status"),
		PreserveNames: q.Get("preserve_names") == "true",
		OnConflict:    q.Get("on_conflict"),
		ResumeToken:   resumeToken,
	}
	if params.BaseFolder == "" {
		http.Error(w, "base_folder is required", http.StatusBadRequest)
		return
	}

	jobID, token, err := s.ingest.Submit(data, params)
	if err != nil {
		if errors.Is(err, ingest.ErrChapterConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		JobID:       jobID,
		PollURL:     "/ingest/" + jobID,
		ResumeToken: token,
	})
}

type jobResponse struct {
	progress.Job
	Progress float64 `json:"progress"`
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.tracker.GetJob(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	resp := jobResponse{Job: job}
	if job.FilesTotal > 0 {
		resp.Progress = float64(job.FilesDone) / float64(job.FilesTotal) * 100
	}
	writeJSON(w, http.StatusOK, resp)
}

type adminStatus struct {
	ActiveGroup int                   `json:"active_group"`
	StateFile   string                `json:"state_file"`
	Daemons     []daemon.Record       `json:"daemons"`
	Groups      []router.GroupHealth  `json:"groups"`
	Usage       map[int]*rclone.Usage `json:"usage,omitempty"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	resp := adminStatus{
		ActiveGroup: s.policy.Active(),
		StateFile:   s.policy.StatePath(),
		Groups:      s.router.HealthAll(),
	}
	if s.supervisor != nil {
		resp.Daemons = s.supervisor.Records()
	}
	// usage=true asks each group's primary for its storage totals. This
	// shells out per group, so it is opt-in.
	if r.URL.Query().Get("usage") == "true" {
		resp.Usage = s.groupUsage(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) groupUsage(ctx context.Context) map[int]*rclone.Usage {
	out := make(map[int]*rclone.Usage)
	for _, n := range s.router.Groups() {
		primary, err := s.router.Primary(n)
		if err != nil {
			continue
		}
		client, ok := s.router.ClientOf(n, primary)
		if !ok {
			continue
		}
		usage, err := client.About(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("remote", primary).Msg("about query failed")
			continue
		}
		out[n] = usage
	}
	return out
}

func (s *Server) handleAdminGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.HealthAll())
}

func (s *Server) handleSwitchGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Group int `json:"group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	if err := s.policy.SetActive(req.Group); err != nil {
		if errors.Is(err, router.ErrUnknownGroup) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active_group": req.Group})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Encode errors here are connection failures; the status line is
	// already out.
	_ = json.NewEncoder(w).Encode(v)
}
