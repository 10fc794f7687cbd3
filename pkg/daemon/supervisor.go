package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/metrics"
	"github.com/pagerelay/pagerelay/pkg/rclone"
)

// State describes one daemon's lifecycle position.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDead     State = "dead"
)

const (
	probeInterval = 500 * time.Millisecond
	stopGrace     = 4 * time.Second
)

// Config tunes the supervisor.
type Config struct {
	Binary    string
	Host      string
	PortStart int

	WorkerIndex int
	PortSlots   int

	VFSCacheMode    string
	BufferSize      string
	VFSCacheMaxSize string
	VFSCacheMaxAge  string

	StartupTimeout time.Duration

	AutoRestart        bool
	MaxRestartAttempts int

	ReadOnly   bool
	NoChecksum bool
	Auth       string // "user:pass", empty for none
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "rclone"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.PortStart == 0 {
		c.PortStart = 8180
	}
	if c.PortSlots == 0 {
		c.PortSlots = 20
	}
	if c.VFSCacheMode == "" {
		c.VFSCacheMode = "full"
	}
	if c.BufferSize == "" {
		c.BufferSize = "256M"
	}
	if c.VFSCacheMaxSize == "" {
		c.VFSCacheMaxSize = "1G"
	}
	if c.VFSCacheMaxAge == "" {
		c.VFSCacheMaxAge = "1h"
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = 3
	}
	return c
}

// Record is the externally visible view of one daemon.
type Record struct {
	Remote    string    `json:"remote"`
	Port      int       `json:"port"`
	URL       string    `json:"url"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
}

type daemonProc struct {
	record Record
	cmd    *exec.Cmd
	done   chan error
}

// Supervisor owns the sidecar daemons for a set of remotes.
type Supervisor struct {
	cfg    Config
	events *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	daemons  map[string]*daemonProc
	counter  int
	stopping bool
	stopped  bool

	probe *http.Client
}

// NewSupervisor creates a supervisor with the given tuning.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("daemon-supervisor"),
		daemons: make(map[string]*daemonProc),
		probe:   &http.Client{Timeout: 2 * time.Second},
	}
}

// WithEvents publishes daemon lifecycle changes to the broker.
func (s *Supervisor) WithEvents(b *events.Broker) *Supervisor {
	s.events = b
	return s
}

// Start launches one daemon for the remote. At most one daemon per
// remote exists at a time; starting an already-tracked remote is a no-op.
func (s *Supervisor) Start(ctx context.Context, remote string) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shutting down")
	}
	if _, exists := s.daemons[remote]; exists {
		s.mu.Unlock()
		return nil
	}
	port := s.cfg.PortStart + s.cfg.WorkerIndex*s.cfg.PortSlots + s.counter
	s.counter++
	s.mu.Unlock()

	return s.spawn(ctx, remote, port, 0)
}

// StartAll launches daemons for every remote, continuing past failures.
func (s *Supervisor) StartAll(ctx context.Context, remotes []string) {
	for _, remote := range remotes {
		if err := s.Start(ctx, remote); err != nil {
			s.logger.Error().Err(err).Str("remote", remote).Msg("failed to start serve daemon")
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, remote string, port, restarts int) error {
	url := fmt.Sprintf("http://%s:%d", s.cfg.Host, port)

	args := []string{
		"serve", "http", remote + ":",
		"--addr", fmt.Sprintf("%s:%d", s.cfg.Host, port),
		"--vfs-cache-mode", s.cfg.VFSCacheMode,
		"--buffer-size", s.cfg.BufferSize,
		"--vfs-cache-max-size", s.cfg.VFSCacheMaxSize,
		"--vfs-cache-max-age", s.cfg.VFSCacheMaxAge,
		"--log-level", "ERROR",
	}
	if s.cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	if s.cfg.NoChecksum {
		args = append(args, "--no-checksum")
	}
	if s.cfg.Auth != "" {
		user, pass, ok := splitAuth(s.cfg.Auth)
		if ok {
			args = append(args, "--user", user, "--pass", pass)
		}
	}

	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Env = rclone.ScrubEnviron(os.Environ())
	cmd.Stdout = &logWriter{logger: log.WithRemote(remote), level: zerolog.DebugLevel}
	cmd.Stderr = &logWriter{logger: log.WithRemote(remote), level: zerolog.ErrorLevel}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start serve daemon for %s: %w", remote, err)
	}

	d := &daemonProc{
		record: Record{
			Remote:    remote,
			Port:      port,
			State:     StateStarting,
			StartedAt: time.Now(),
			Restarts:  restarts,
		},
		cmd:  cmd,
		done: make(chan error, 1),
	}

	s.mu.Lock()
	s.daemons[remote] = d
	s.mu.Unlock()

	go func() {
		d.done <- cmd.Wait()
	}()

	s.logger.Info().
		Str("remote", remote).
		Int("port", port).
		Msg("serve daemon starting")
	s.events.Emit(events.EventDaemonStarted, "serve daemon starting", "remote", remote, "url", url)

	go s.watch(ctx, d, url)
	return nil
}

// watch drives the readiness probe, then monitors the process for
// unexpected exit.
func (s *Supervisor) watch(ctx context.Context, d *daemonProc, url string) {
	remote := d.record.Remote

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	ready := s.probeUntilReady(probeCtx, d, url)
	cancel()

	if !ready {
		s.mu.Lock()
		alive := s.daemons[remote] == d
		s.mu.Unlock()
		if !alive {
			return
		}
		// Process stays up; readers fall back to cat until a later
		// probe round marks it running.
		s.logger.Warn().
			Str("remote", remote).
			Str("url", url).
			Msg("serve daemon not ready within startup timeout, leaving process running")
		go s.lateProbe(ctx, d, url)
	}

	err := <-d.done

	s.mu.Lock()
	stopping := s.stopping
	if s.daemons[remote] == d {
		if d.record.State == StateRunning {
			metrics.DaemonsRunning.Dec()
		}
		d.record.State = StateDead
		d.record.URL = ""
		delete(s.daemons, remote)
	}
	s.mu.Unlock()

	if stopping {
		return
	}

	s.logger.Error().
		Err(err).
		Str("remote", remote).
		Msg("serve daemon exited unexpectedly")
	s.events.Emit(events.EventDaemonDied, "serve daemon exited unexpectedly", "remote", remote)

	if s.cfg.AutoRestart && d.record.Restarts < s.cfg.MaxRestartAttempts {
		backoff := time.Duration(d.record.Restarts+1) * time.Second
		time.Sleep(backoff)
		metrics.DaemonRestartsTotal.WithLabelValues(remote).Inc()
		s.logger.Info().
			Str("remote", remote).
			Int("attempt", d.record.Restarts+1).
			Msg("restarting serve daemon")
		s.events.Emit(events.EventDaemonRestarted, "restarting serve daemon", "remote", remote)
		if err := s.spawn(ctx, remote, d.record.Port, d.record.Restarts+1); err != nil {
			s.logger.Error().Err(err).Str("remote", remote).Msg("serve daemon restart failed")
		}
	}
}

// probeUntilReady polls the daemon URL every 500ms until it answers or
// the context expires. Any status below 500 counts as ready.
func (s *Supervisor) probeUntilReady(ctx context.Context, d *daemonProc, url string) bool {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return false
			}
			resp, err := s.probe.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				continue
			}

			s.mu.Lock()
			if s.daemons[d.record.Remote] == d {
				d.record.State = StateRunning
				d.record.URL = url
				metrics.DaemonsRunning.Inc()
			}
			s.mu.Unlock()

			s.logger.Info().
				Str("remote", d.record.Remote).
				Str("url", url).
				Msg("serve daemon ready")
			return true
		}
	}
}

// lateProbe keeps probing a daemon that missed its startup window, at a
// relaxed cadence, until it answers or exits.
func (s *Supervisor) lateProbe(ctx context.Context, d *daemonProc, url string) {
	ticker := time.NewTicker(10 * probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			alive := s.daemons[d.record.Remote] == d
			s.mu.Unlock()
			if !alive {
				return
			}

			resp, err := s.probe.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				continue
			}

			s.mu.Lock()
			if s.daemons[d.record.Remote] == d {
				d.record.State = StateRunning
				d.record.URL = url
				metrics.DaemonsRunning.Inc()
			}
			s.mu.Unlock()
			s.logger.Info().
				Str("remote", d.record.Remote).
				Str("url", url).
				Msg("serve daemon became ready after startup window")
			return
		}
	}
}

// IsRunning reports whether the remote's daemon is alive with a
// published URL.
func (s *Supervisor) IsRunning(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.daemons[remote]
	return ok && d.record.State == StateRunning && d.record.URL != ""
}

// URLOf returns the published base URL for the remote's daemon.
func (s *Supervisor) URLOf(remote string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.daemons[remote]
	if !ok || d.record.State != StateRunning || d.record.URL == "" {
		return "", false
	}
	return d.record.URL, true
}

// Records returns a snapshot of all tracked daemons.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.daemons))
	for _, d := range s.daemons {
		out = append(out, d.record)
	}
	return out
}

// Stop terminates every daemon: SIGTERM, a short grace, then SIGKILL.
// Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.stopped = true
	daemons := make([]*daemonProc, 0, len(s.daemons))
	for _, d := range s.daemons {
		if d.record.State == StateRunning {
			metrics.DaemonsRunning.Dec()
		}
		daemons = append(daemons, d)
	}
	s.daemons = make(map[string]*daemonProc)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range daemons {
		wg.Add(1)
		go func(d *daemonProc) {
			defer wg.Done()
			s.terminate(d)
		}(d)
	}
	wg.Wait()

	s.logger.Info().Int("count", len(daemons)).Msg("serve daemons stopped")
}

func (s *Supervisor) terminate(d *daemonProc) {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}

	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug().Err(err).Str("remote", d.record.Remote).Msg("SIGTERM failed")
	}

	select {
	case <-d.done:
	case <-time.After(stopGrace):
		s.logger.Warn().
			Str("remote", d.record.Remote).
			Msg("serve daemon did not stop gracefully, killing")
		if err := d.cmd.Process.Kill(); err == nil {
			<-d.done
		}
	}
}

func splitAuth(auth string) (user, pass string, ok bool) {
	for i := 0; i < len(auth); i++ {
		if auth[i] == ':' {
			return auth[:i], auth[i+1:], true
		}
	}
	return "", "", false
}

// logWriter adapts daemon output lines to the structured logger.
type logWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	msg := string(p)
	w.logger.WithLevel(w.level).Msg(msg)
	return len(p), nil
}
