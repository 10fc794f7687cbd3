package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/metrics"
	"github.com/pagerelay/pagerelay/pkg/policy"
	"github.com/pagerelay/pagerelay/pkg/progress"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/remotehealth"
	"github.com/pagerelay/pagerelay/pkg/router"
	"github.com/pagerelay/pagerelay/pkg/thumbnail"
)

// Conflict strategies for chapters that already exist in the catalog.
const (
	ConflictSkip  = "skip"
	ConflictError = "error"
)

// Chapter plan actions.
const (
	ActionUpload      = "upload"
	ActionSkipExists  = "skip-existing"
	ActionSkipResumed = "skip-resumed"
)

const mirrorTimeout = 30 * time.Minute

// ErrChapterConflict aborts an import running with the error conflict
// strategy.
var ErrChapterConflict = errors.New("chapter already exists in catalog")

// Params describes one import request.
type Params struct {
	UploaderID     string
	BaseFolder     string
	Type           string
	Status         string
	DryRun         bool
	PreserveNames  bool
	OnConflict     string // ConflictSkip (default) or ConflictError
	ChapterPattern string // regex override, default DefaultChapterPattern
	ResumeToken    string
}

// ChapterPlan is the planned handling of one chapter directory.
type ChapterPlan struct {
	Manga  string        `json:"manga"`
	Folder string        `json:"folder"`
	Number ChapterNumber `json:"number"`
	Files  int           `json:"files"`
	Action string        `json:"action"`
}

// MangaPlan is the planned handling of one series.
type MangaPlan struct {
	Slug     string        `json:"slug"`
	Title    string        `json:"title"`
	Type     string        `json:"type"`
	Status   string        `json:"status"`
	IsNew    bool          `json:"is_new"`
	Chapters []ChapterPlan `json:"chapters"`
}

// Plan is the full dry-run output.
type Plan struct {
	Manga         []MangaPlan `json:"manga"`
	TotalChapters int         `json:"total_chapters"`
	TotalFiles    int         `json:"total_files"`
}

// ChapterResult records the outcome of one chapter upload.
type ChapterResult struct {
	Manga      string        `json:"manga"`
	Folder     string        `json:"folder"`
	Number     ChapterNumber `json:"number"`
	Files      int           `json:"files"`
	Bytes      int64         `json:"bytes"`
	Group      int           `json:"group"`
	Remote     string        `json:"remote,omitempty"`
	AnchorPath string        `json:"anchor_path,omitempty"`
	PreviewURL string        `json:"preview_url,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
	Pages      []Page        `json:"pages,omitempty"`
}

// Report is the final result of an import.
type Report struct {
	JobID       string          `json:"job_id"`
	Plan        *Plan           `json:"plan"`
	Results     []ChapterResult `json:"results,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	Completed   bool            `json:"completed"`
}

// Service runs bulk archive imports.
type Service struct {
	router   *router.Router
	policy   *policy.Service
	catalog  Catalog
	tracker  *progress.Tracker
	broker   *events.Broker
	tempRoot string
	logger   zerolog.Logger

	mirrors sync.WaitGroup
}

// NewService wires the import engine.
func NewService(r *router.Router, pol *policy.Service, cat Catalog, tracker *progress.Tracker, broker *events.Broker, tempRoot string) *Service {
	return &Service{
		router:   r,
		policy:   pol,
		catalog:  cat,
		tracker:  tracker,
		broker:   broker,
		tempRoot: tempRoot,
		logger:   log.WithComponent("ingest"),
	}
}

// session is one extracted, analyzed archive.
type session struct {
	root  string
	manga []*MangaFolder
	plan  *Plan
}

func (s *Service) prepare(data []byte, p Params) (*session, error) {
	pattern := p.ChapterPattern
	if pattern == "" {
		pattern = DefaultChapterPattern
	}
	chapterRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad chapter pattern: %w", err)
	}

	root, err := os.MkdirTemp(s.tempRoot, "ingest-*")
	if err != nil {
		return nil, err
	}

	sess := &session{root: root}
	if err := extractArchive(data, root); err != nil {
		sess.cleanup()
		return nil, err
	}

	a := &analyzer{chapterRe: chapterRe, defaultType: p.Type, defaultStatus: p.Status}
	manga, err := a.scanRoot(root)
	if err != nil {
		sess.cleanup()
		return nil, err
	}
	if len(manga) == 0 {
		sess.cleanup()
		return nil, fmt.Errorf("archive contains no series directories")
	}
	sess.manga = manga

	plan, err := s.buildPlan(manga, p)
	if err != nil {
		sess.cleanup()
		return nil, err
	}
	sess.plan = plan
	return sess, nil
}

func (sess *session) cleanup() {
	os.RemoveAll(sess.root)
}

func (s *Service) buildPlan(manga []*MangaFolder, p Params) (*Plan, error) {
	resumed := map[string]bool{}
	if p.ResumeToken != "" {
		_, completed, err := s.tracker.ResumeToken(p.ResumeToken)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		for _, key := range completed {
			resumed[key] = true
		}
	}

	plan := &Plan{}
	for _, mf := range manga {
		slug, existing, err := s.resolveSlug(mf)
		if err != nil {
			return nil, err
		}
		mf.Slug = slug

		mp := MangaPlan{
			Slug:   slug,
			Title:  mf.Title,
			Type:   mf.Type,
			Status: mf.Status,
			IsNew:  existing == nil,
		}

		for _, ch := range mf.Chapters {
			cp := ChapterPlan{
				Manga:  slug,
				Folder: ch.Name,
				Number: ch.Number,
				Files:  len(ch.Images),
				Action: ActionUpload,
			}

			if resumed[chapterKey(slug, ch.Name)] {
				cp.Action = ActionSkipResumed
			} else {
				exists, err := s.catalog.HasChapter(slug, ch.Number)
				if err != nil {
					return nil, err
				}
				if exists {
					if p.OnConflict == ConflictError {
						return nil, fmt.Errorf("%w: %s %s", ErrChapterConflict, slug, ch.Number)
					}
					cp.Action = ActionSkipExists
				}
			}

			if cp.Action == ActionUpload {
				plan.TotalChapters++
				plan.TotalFiles += cp.Files
			}
			mp.Chapters = append(mp.Chapters, cp)
		}
		plan.Manga = append(plan.Manga, mp)
	}
	return plan, nil
}

// resolveSlug finds the slug this folder's series should use. A catalog
// row with the same slug but a different title claims a versioned slug
// (-v2, -v3, ...) instead of colliding.
func (s *Service) resolveSlug(mf *MangaFolder) (string, *Manga, error) {
	base := mf.Slug
	for version := 1; ; version++ {
		slug := base
		if version > 1 {
			slug = base + "-v" + strconv.Itoa(version)
		}
		existing, ok, err := s.catalog.GetManga(slug)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return slug, nil, nil
		}
		if existing.Title == mf.Title {
			return slug, existing, nil
		}
	}
}

// Import runs a whole archive synchronously and returns the report.
func (s *Service) Import(ctx context.Context, data []byte, p Params) (*Report, error) {
	sess, err := s.prepare(data, p)
	if err != nil {
		return nil, err
	}
	defer sess.cleanup()

	if p.DryRun {
		return &Report{Plan: sess.plan, Completed: true}, nil
	}

	jobID := s.tracker.StartJob(importSlug(sess), sess.plan.TotalChapters, sess.plan.TotalFiles)
	token := p.ResumeToken
	if token == "" {
		token = s.tracker.NewToken(importSlug(sess))
	}
	return s.execute(ctx, sess, p, jobID, token), nil
}

// Submit validates and plans the archive synchronously, then runs the
// upload in the background. Returns the job ID to poll and the resume
// token to use if the job dies.
func (s *Service) Submit(data []byte, p Params) (jobID, token string, err error) {
	sess, err := s.prepare(data, p)
	if err != nil {
		return "", "", err
	}

	jobID = s.tracker.StartJob(importSlug(sess), sess.plan.TotalChapters, sess.plan.TotalFiles)
	token = p.ResumeToken
	if token == "" {
		token = s.tracker.NewToken(importSlug(sess))
	}

	go func() {
		defer sess.cleanup()
		s.execute(context.Background(), sess, p, jobID, token)
	}()
	return jobID, token, nil
}

func importSlug(sess *session) string {
	if len(sess.manga) == 1 {
		return sess.manga[0].Slug
	}
	return fmt.Sprintf("batch-%d-series", len(sess.manga))
}

func (s *Service) execute(ctx context.Context, sess *session, p Params, jobID, token string) *Report {
	report := &Report{JobID: jobID, Plan: sess.plan}
	s.broker.Emit(events.EventIngestStarted, "import started", "job_id", jobID)

	planIndex := map[string]map[string]ChapterPlan{}
	for _, mp := range sess.plan.Manga {
		planIndex[mp.Slug] = map[string]ChapterPlan{}
		for _, cp := range mp.Chapters {
			planIndex[mp.Slug][cp.Folder] = cp
		}
	}

	for _, mf := range sess.manga {
		if err := s.upsertManga(mf, p); err != nil {
			s.failJob(report, jobID, token, err)
			return report
		}
		s.uploadCover(ctx, mf, p)

		for i := range mf.Chapters {
			ch := &mf.Chapters[i]
			cp := planIndex[mf.Slug][ch.Name]
			if cp.Action != ActionUpload {
				report.Results = append(report.Results, ChapterResult{
					Manga: mf.Slug, Folder: ch.Name, Number: ch.Number, Skipped: true,
				})
				continue
			}

			s.tracker.SetCurrentChapter(jobID, ch.Name)
			res, err := s.uploadChapter(ctx, mf, ch, p)
			if err != nil && errors.Is(err, rclone.ErrQuotaExceeded) {
				// The group advanced underneath us; one retry picks up
				// the new active group.
				res, err = s.uploadChapter(ctx, mf, ch, p)
			}
			if err != nil {
				res.Error = err.Error()
				report.Results = append(report.Results, res)
				s.failJob(report, jobID, token, err)
				return report
			}

			if err := s.saveChapter(mf, ch, &res); err != nil {
				res.Error = err.Error()
				report.Results = append(report.Results, res)
				s.failJob(report, jobID, token, err)
				return report
			}

			report.Results = append(report.Results, res)
			s.tracker.ChapterDone(jobID, res.Files, res.Bytes)
			s.tracker.MarkChapterComplete(token, chapterKey(mf.Slug, ch.Name))
			metrics.IngestChaptersTotal.Inc()
			metrics.IngestFilesTotal.Add(float64(res.Files))
			metrics.IngestBytesTotal.Add(float64(res.Bytes))
			s.broker.Emit(events.EventIngestChapter, "chapter uploaded",
				"job_id", jobID, "manga", mf.Slug, "chapter", ch.Name)
		}
	}

	s.tracker.CompleteJob(jobID)
	s.tracker.DropToken(token)
	report.Completed = true
	metrics.IngestJobsTotal.WithLabelValues("completed").Inc()
	s.broker.Emit(events.EventIngestCompleted, "import completed", "job_id", jobID)
	return report
}

func (s *Service) failJob(report *Report, jobID, token string, cause error) {
	s.tracker.FailJob(jobID, cause)
	report.ResumeToken = token
	metrics.IngestJobsTotal.WithLabelValues("failed").Inc()
	s.broker.Emit(events.EventIngestFailed, cause.Error(), "job_id", jobID, "resume_token", token)
	s.logger.Error().Err(cause).Str("job_id", jobID).Msg("import failed, resume token issued")
}

// upsertManga creates the catalog row or fills in missing fields of an
// existing one. Existing descriptions, covers, genres, and alt titles
// are never overwritten.
func (s *Service) upsertManga(mf *MangaFolder, p Params) error {
	existing, ok, err := s.catalog.GetManga(mf.Slug)
	if err != nil {
		return err
	}

	if !ok {
		return s.catalog.SaveManga(&Manga{
			Slug:          mf.Slug,
			Title:         mf.Title,
			Type:          mf.Type,
			Status:        mf.Status,
			Description:   mf.Description,
			StorageSource: p.BaseFolder,
			Genres:        mf.Genres,
			AltTitles:     mf.AltTitles,
		})
	}

	if existing.Description == "" {
		existing.Description = mf.Description
	}
	if len(existing.Genres) == 0 {
		existing.Genres = mf.Genres
	}
	if existing.StorageSource == "" {
		existing.StorageSource = p.BaseFolder
	}
	existing.AltTitles = mergeAltTitles(existing.AltTitles, mf.AltTitles)
	return s.catalog.SaveManga(existing)
}

func mergeAltTitles(have, add []AltTitle) []AltTitle {
	seen := map[AltTitle]bool{}
	for _, t := range have {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			have = append(have, t)
			seen[t] = true
		}
	}
	return have
}

// uploadCover pushes the series cover once. Failures never fail the
// import; an existing catalog cover is kept.
func (s *Service) uploadCover(ctx context.Context, mf *MangaFolder, p Params) {
	if mf.CoverPath == "" {
		return
	}

	target := s.policy.WriteTarget()
	client, ok := s.router.ClientOf(target.Group, target.Primary)
	if !ok {
		return
	}

	rel := path.Join(p.BaseFolder, mf.Slug, "cover"+mf.CoverExt)
	if err := client.UploadFile(ctx, mf.CoverPath, rel); err != nil {
		s.logger.Warn().Err(err).Str("manga", mf.Slug).Msg("cover upload failed")
		return
	}

	if m, ok, err := s.catalog.GetManga(mf.Slug); err == nil && ok && m.CoverPath == "" {
		m.CoverPath = s.policy.PathFor(rel)
		_ = s.catalog.SaveManga(m)
	}
}

func (s *Service) uploadChapter(ctx context.Context, mf *MangaFolder, ch *ChapterFolder, p Params) (ChapterResult, error) {
	target := s.policy.WriteTarget()
	group, primary := target.Group, target.Primary
	res := ChapterResult{
		Manga:  mf.Slug,
		Folder: ch.Name,
		Number: ch.Number,
		Files:  len(ch.Images),
		Group:  group,
	}

	client, ok := s.router.ClientOf(group, primary)
	if !ok {
		return res, fmt.Errorf("no client for remote %s", primary)
	}
	status, _ := s.router.StatusOf(group, primary)
	res.Remote = primary

	staging, names, bytes, err := s.stageChapter(ch, p.PreserveNames)
	if err != nil {
		return res, err
	}
	defer os.RemoveAll(staging)
	res.Bytes = bytes

	remoteDir := path.Join(p.BaseFolder, mf.Slug, ch.Name)
	if err := client.Mkdir(ctx, remoteDir); err != nil {
		return res, s.recordUploadError(status, primary, group, err)
	}
	err = client.UploadFolder(ctx, staging, remoteDir, rclone.FolderOptions{FileCount: len(names)})
	if err != nil {
		return res, s.recordUploadError(status, primary, group, err)
	}
	status.MarkSuccess()
	s.router.RecordUploadBytes(group, bytes)
	metrics.GroupUploadedBytes.WithLabelValues(strconv.Itoa(group)).Set(float64(s.router.UploadedBytes(group)))

	res.Pages = make([]Page, len(names))
	for i, name := range names {
		res.Pages[i] = Page{
			Index:      i + 1,
			StoredPath: s.policy.PathFor(path.Join(remoteDir, name)),
		}
	}

	s.attachPreview(ctx, client, ch, remoteDir, &res)
	s.mirrorChapter(primary, group, remoteDir, len(names))
	return res, nil
}

func (s *Service) recordUploadError(status *remotehealth.Status, remote string, group int, err error) error {
	quota := errors.Is(err, rclone.ErrQuotaExceeded)
	status.MarkFailure(err.Error(), quota)
	if !status.Healthy() {
		s.broker.Emit(events.EventRemoteUnhealthy, "remote marked unhealthy", "remote", remote)
	}
	if quota {
		metrics.QuotaEventsTotal.WithLabelValues(remote).Inc()
		s.broker.Emit(events.EventRemoteQuota, "quota exceeded", "remote", remote)
		s.policy.AdvanceOnQuota(remote, group)
	}
	return err
}

// stageChapter copies the chapter's pages into a fresh directory,
// renamed to 001.<ext>, 002.<ext>, ... unless preserveNames is set.
// Natural order is preserved either way.
func (s *Service) stageChapter(ch *ChapterFolder, preserveNames bool) (dir string, names []string, total int64, err error) {
	dir, err = os.MkdirTemp(s.tempRoot, "chapter-*")
	if err != nil {
		return "", nil, 0, err
	}

	names = make([]string, len(ch.Images))
	for i, src := range ch.Images {
		name := filepath.Base(src)
		if !preserveNames {
			name = fmt.Sprintf("%03d%s", i+1, strings.ToLower(filepath.Ext(src)))
		}
		names[i] = name

		n, err := copyFile(src, filepath.Join(dir, name))
		if err != nil {
			os.RemoveAll(dir)
			return "", nil, 0, err
		}
		total += n
	}
	return dir, names, total, nil
}

// attachPreview uploads the chapter's preview override, or renders a
// thumbnail from the first page. Failures leave the first page as the
// anchor; they never fail the chapter.
func (s *Service) attachPreview(ctx context.Context, client *rclone.Client, ch *ChapterFolder, remoteDir string, res *ChapterResult) {
	anchorRel := ""

	switch {
	case ch.Preview != "":
		ext := strings.ToLower(filepath.Ext(ch.Preview))
		rel := path.Join(remoteDir, "preview"+ext)
		if err := client.UploadFile(ctx, ch.Preview, rel); err != nil {
			s.logger.Warn().Err(err).Str("chapter", ch.Name).Msg("preview upload failed")
		} else {
			anchorRel = rel
		}
	case len(ch.Images) > 0:
		f, err := os.Open(ch.Images[0])
		if err == nil {
			data, genErr := thumbnail.Generate(f)
			f.Close()
			if genErr == nil {
				rel := path.Join(remoteDir, "thumbnail.jpg")
				if upErr := thumbnail.Upload(ctx, client, rel, data); upErr == nil {
					anchorRel = rel
					s.broker.Emit(events.EventThumbnailCreated, "thumbnail rendered", "chapter", ch.Name)
				} else {
					s.logger.Warn().Err(upErr).Str("chapter", ch.Name).Msg("thumbnail upload failed")
				}
			} else {
				s.logger.Warn().Err(genErr).Str("chapter", ch.Name).Msg("thumbnail render failed")
			}
		}
	}

	if anchorRel == "" && len(res.Pages) > 0 {
		res.AnchorPath = res.Pages[0].StoredPath
	} else if anchorRel != "" {
		res.AnchorPath = s.policy.PathFor(anchorRel)
	}
	if res.AnchorPath != "" {
		res.PreviewURL = "/proxy/" + res.AnchorPath
	}
}

// mirrorChapter copies the uploaded chapter server-side to every backup
// remote of the group. Runs in the background; failures are logged and
// counted, never fatal.
func (s *Service) mirrorChapter(primary string, group int, remoteDir string, fileCount int) {
	for _, backup := range s.router.Backups(group) {
		backupClient, ok := s.router.ClientOf(group, backup)
		if !ok {
			continue
		}

		s.mirrors.Add(1)
		go func(backup string, client *rclone.Client) {
			defer s.mirrors.Done()
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()

			src := primary + ":" + remoteDir
			if err := client.CopyFrom(ctx, src, remoteDir, fileCount); err != nil {
				metrics.MirrorFailuresTotal.WithLabelValues(backup).Inc()
				s.broker.Emit(events.EventMirrorFailed, err.Error(), "remote", backup, "dir", remoteDir)
				s.logger.Warn().Err(err).Str("remote", backup).Str("dir", remoteDir).Msg("mirror copy failed")
			}
		}(backup, backupClient)
	}
}

// WaitMirrors blocks until all background mirror copies finish. Used on
// shutdown and by tests.
func (s *Service) WaitMirrors() {
	s.mirrors.Wait()
}

func (s *Service) saveChapter(mf *MangaFolder, ch *ChapterFolder, res *ChapterResult) error {
	return s.catalog.SaveChapter(&Chapter{
		MangaSlug:  mf.Slug,
		Slug:       mf.Slug + "-chapter-" + ch.Number.Slug(),
		Number:     ch.Number,
		Folder:     ch.Name,
		AnchorPath: res.AnchorPath,
		PreviewURL: res.PreviewURL,
		Pages:      res.Pages,
	})
}

func chapterKey(slug, folder string) string {
	return slug + "/" + folder
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
