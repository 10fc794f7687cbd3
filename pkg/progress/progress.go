// Package progress tracks ingest jobs and resume tokens. The hot state
// lives in memory behind a mutex; every update is written through to the
// state store so an interrupted import can resume after a restart.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/state"
)

// Job states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	// JobTTL is how long finished job records stay queryable.
	JobTTL = 24 * time.Hour
	// TokenTTL is how long resume tokens stay valid.
	TokenTTL = 48 * time.Hour

	sweepInterval = time.Hour
)

// Job is the live progress of one import.
type Job struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	State          string    `json:"state"`
	ChaptersTotal  int       `json:"chapters_total"`
	ChaptersDone   int       `json:"chapters_done"`
	FilesTotal     int       `json:"files_total"`
	FilesDone      int       `json:"files_done"`
	BytesDone      int64     `json:"bytes_done"`
	CurrentChapter string    `json:"current_chapter,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Token marks the chapters of an import that already reached remote
// storage.
type Token struct {
	Value     string
	Slug      string
	completed map[string]bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tracker owns all live jobs and tokens.
type Tracker struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	tokens map[string]*Token
	store  *state.Store // nil = memory only
	logger zerolog.Logger
}

// NewTracker creates a tracker. With a non-nil store, persisted jobs and
// resume tokens are restored so imports can continue across restarts.
func NewTracker(store *state.Store) *Tracker {
	t := &Tracker{
		jobs:   make(map[string]*Job),
		tokens: make(map[string]*Token),
		store:  store,
		logger: log.WithComponent("progress"),
	}
	if store != nil {
		t.restore()
	}
	return t
}

func (t *Tracker) restore() {
	jobs, err := t.store.ListJobs()
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to restore job records")
	}
	for _, rec := range jobs {
		job := &Job{
			ID:            rec.ID,
			Slug:          rec.Slug,
			State:         rec.State,
			ChaptersTotal: rec.ChaptersTotal,
			ChaptersDone:  rec.ChaptersDone,
			FilesTotal:    rec.FilesTotal,
			FilesDone:     rec.FilesDone,
			BytesDone:     rec.BytesDone,
			Error:         rec.Error,
			StartedAt:     rec.StartedAt,
			UpdatedAt:     rec.UpdatedAt,
		}
		// An import cannot survive the process that ran it.
		if job.State == StateRunning || job.State == StatePending {
			job.State = StateFailed
			job.Error = "interrupted by restart"
		}
		t.jobs[job.ID] = job
	}
}

// StartJob registers a new import and returns its job ID. The totals
// come from the upload plan; progress percentages derive from the file
// counts.
func (t *Tracker) StartJob(slug string, chaptersTotal, filesTotal int) string {
	job := &Job{
		ID:            uuid.NewString(),
		Slug:          slug,
		State:         StateRunning,
		ChaptersTotal: chaptersTotal,
		FilesTotal:    filesTotal,
		StartedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()

	t.persistJob(job)
	return job.ID
}

// SetCurrentChapter records which chapter the job is working on.
func (t *Tracker) SetCurrentChapter(id, chapter string) {
	t.updateJob(id, func(j *Job) {
		j.CurrentChapter = chapter
	})
}

// ChapterDone adds one finished chapter with its file and byte counts.
// Counters only grow.
func (t *Tracker) ChapterDone(id string, files int, bytes int64) {
	t.updateJob(id, func(j *Job) {
		j.ChaptersDone++
		j.FilesDone += files
		j.BytesDone += bytes
	})
}

// CompleteJob marks the job finished.
func (t *Tracker) CompleteJob(id string) {
	t.updateJob(id, func(j *Job) {
		j.State = StateCompleted
		j.CurrentChapter = ""
	})
}

// FailJob marks the job failed with its terminal error.
func (t *Tracker) FailJob(id string, cause error) {
	t.updateJob(id, func(j *Job) {
		j.State = StateFailed
		if cause != nil {
			j.Error = cause.Error()
		}
	})
}

func (t *Tracker) updateJob(id string, fn func(*Job)) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(job)
	job.UpdatedAt = time.Now()
	snapshot := *job
	t.mu.Unlock()

	t.persistJob(&snapshot)
}

// GetJob returns a copy of the job, or false when unknown or expired.
func (t *Tracker) GetJob(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns copies of all tracked jobs.
func (t *Tracker) ListJobs() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, *job)
	}
	return out
}

func (t *Tracker) persistJob(job *Job) {
	if t.store == nil {
		return
	}
	rec := &state.JobRecord{
		ID:            job.ID,
		Slug:          job.Slug,
		State:         job.State,
		ChaptersDone:  job.ChaptersDone,
		ChaptersTotal: job.ChaptersTotal,
		FilesTotal:    job.FilesTotal,
		FilesDone:     job.FilesDone,
		BytesDone:     job.BytesDone,
		Error:         job.Error,
		StartedAt:     job.StartedAt,
	}
	if err := t.store.SaveJob(rec); err != nil {
		t.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job record")
	}
}

// NewToken issues a resume token for an import of slug.
func (t *Tracker) NewToken(slug string) string {
	tok := &Token{
		Value:     uuid.NewString(),
		Slug:      slug,
		completed: make(map[string]bool),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	t.mu.Lock()
	t.tokens[tok.Value] = tok
	t.mu.Unlock()

	t.persistToken(tok)
	return tok.Value
}

// ResumeToken loads a persisted token by value. The in-memory set is
// consulted first, then the store.
func (t *Tracker) ResumeToken(value string) (slug string, completed []string, err error) {
	t.mu.Lock()
	tok, ok := t.tokens[value]
	if ok {
		slug = tok.Slug
		completed = tok.completedList()
		t.mu.Unlock()
		return slug, completed, nil
	}
	t.mu.Unlock()

	if t.store == nil {
		return "", nil, fmt.Errorf("unknown resume token")
	}
	rec, err := t.store.GetResumeToken(value)
	if err != nil {
		return "", nil, err
	}

	tok = &Token{
		Value:     rec.Token,
		Slug:      rec.Slug,
		completed: make(map[string]bool, len(rec.CompletedChapters)),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for _, ch := range rec.CompletedChapters {
		tok.completed[ch] = true
	}

	t.mu.Lock()
	t.tokens[tok.Value] = tok
	t.mu.Unlock()
	return tok.Slug, rec.CompletedChapters, nil
}

// MarkChapterComplete records a chapter as safely uploaded.
func (t *Tracker) MarkChapterComplete(value, chapter string) {
	t.mu.Lock()
	tok, ok := t.tokens[value]
	if !ok {
		t.mu.Unlock()
		return
	}
	tok.completed[chapter] = true
	tok.UpdatedAt = time.Now()
	snapshot := *tok
	snapshot.completed = make(map[string]bool, len(tok.completed))
	for ch := range tok.completed {
		snapshot.completed[ch] = true
	}
	t.mu.Unlock()

	t.persistToken(&snapshot)
}

// IsChapterComplete reports whether the token already covers chapter.
func (t *Tracker) IsChapterComplete(value, chapter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.tokens[value]
	return ok && tok.completed[chapter]
}

// DropToken removes a token once its import completed.
func (t *Tracker) DropToken(value string) {
	t.mu.Lock()
	delete(t.tokens, value)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.DeleteResumeToken(value); err != nil {
			t.logger.Warn().Err(err).Msg("failed to delete resume token")
		}
	}
}

func (t *Tracker) persistToken(tok *Token) {
	if t.store == nil {
		return
	}
	rec := &state.ResumeToken{
		Token:             tok.Value,
		Slug:              tok.Slug,
		CompletedChapters: tok.completedList(),
		CreatedAt:         tok.CreatedAt,
	}
	if err := t.store.SaveResumeToken(rec); err != nil {
		t.logger.Warn().Err(err).Msg("failed to persist resume token")
	}
}

func (tok *Token) completedList() []string {
	out := make([]string, 0, len(tok.completed))
	for ch := range tok.completed {
		out = append(out, ch)
	}
	return out
}

// Sweep drops jobs idle past JobTTL and tokens idle past TokenTTL.
// Returns the numbers removed.
func (t *Tracker) Sweep(now time.Time) (jobs, tokens int) {
	jobCutoff := now.Add(-JobTTL)
	tokenCutoff := now.Add(-TokenTTL)

	t.mu.Lock()
	for id, job := range t.jobs {
		if job.UpdatedAt.Before(jobCutoff) {
			delete(t.jobs, id)
			jobs++
		}
	}
	for value, tok := range t.tokens {
		if tok.UpdatedAt.Before(tokenCutoff) {
			delete(t.tokens, value)
			tokens++
		}
	}
	t.mu.Unlock()

	if t.store != nil {
		if _, err := t.store.PruneJobs(jobCutoff); err != nil {
			t.logger.Warn().Err(err).Msg("failed to prune job records")
		}
		if _, err := t.store.PruneResumeTokens(tokenCutoff); err != nil {
			t.logger.Warn().Err(err).Msg("failed to prune resume tokens")
		}
	}
	return jobs, tokens
}

// RunSweeper sweeps hourly until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			jobs, tokens := t.Sweep(now)
			if jobs > 0 || tokens > 0 {
				t.logger.Debug().Int("jobs", jobs).Int("tokens", tokens).Msg("swept expired progress state")
			}
		}
	}
}
