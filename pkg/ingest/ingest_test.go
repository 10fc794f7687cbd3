package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/policy"
	"github.com/pagerelay/pagerelay/pkg/progress"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/router"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// buildZip assembles an in-memory archive from path -> content pairs.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestService(t *testing.T) (*Service, *MemoryCatalog) {
	t.Helper()
	cat := NewMemoryCatalog()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	svc := NewService(nil, nil, cat, progress.NewTracker(nil), broker, t.TempDir())
	return svc, cat
}

func sampleArchive(t *testing.T) []byte {
	return buildZip(t, map[string]string{
		"One Piece/cover.jpg":            "cover-bytes",
		"One Piece/description.txt":      "A pirate story.\n",
		"One Piece/genres.txt":           "Action, Adventure, action",
		"One Piece/alt_titles.txt":       "# comment\nWan Pisu|ja\n",
		"One Piece/type.txt":             "One Shot\n",
		"One Piece/status.txt":           "Ongoing\n",
		"One Piece/Chapter 1/1.jpg":      "page-one",
		"One Piece/Chapter 1/10.jpg":     "page-ten",
		"One Piece/Chapter 1/2.jpg":      "page-two",
		"One Piece/Chapter 1/notes.txt":  "ignored",
		"One Piece/chapter_2.5/1.png":    "bonus",
		"One Piece/chapter_2.5/preview.jpg": "override",
		"One Piece/extras/art.jpg":       "not a chapter",
	})
}

func TestSafeEntryName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"manga/ch1/001.jpg", true},
		{"../escape.jpg", false},
		{"manga/../../etc/passwd", false},
		{"/abs/path.jpg", false},
		{"manga\\ch1\\001.jpg", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, safeEntryName(tt.name), tt.name)
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	data := buildZip(t, map[string]string{"../evil.txt": "boom"})
	err := extractArchive(data, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnsafeEntry)
}

func TestDryRunPlan(t *testing.T) {
	svc, _ := newTestService(t)

	report, err := svc.Import(t.Context(), sampleArchive(t), Params{
		BaseFolder: "library",
		DryRun:     true,
	})
	require.NoError(t, err)
	require.NotNil(t, report.Plan)

	plan := report.Plan
	require.Len(t, plan.Manga, 1)
	mp := plan.Manga[0]

	assert.Equal(t, "one-piece", mp.Slug)
	assert.Equal(t, "One Piece", mp.Title)
	assert.Equal(t, "one-shot", mp.Type)
	assert.Equal(t, "ongoing", mp.Status)
	assert.True(t, mp.IsNew)

	// "extras" is not a chapter directory.
	require.Len(t, mp.Chapters, 2)
	assert.Equal(t, "Chapter 1", mp.Chapters[0].Folder)
	assert.Equal(t, ChapterNumber{Main: 1}, mp.Chapters[0].Number)
	assert.Equal(t, 3, mp.Chapters[0].Files)
	assert.Equal(t, ChapterNumber{Main: 2, Sub: 5, HasSub: true}, mp.Chapters[1].Number)
	assert.Equal(t, 1, mp.Chapters[1].Files)

	assert.Equal(t, 2, plan.TotalChapters)
	assert.Equal(t, 4, plan.TotalFiles)
}

func TestMetadataAnalysis(t *testing.T) {
	svc, _ := newTestService(t)

	sess, err := svc.prepare(sampleArchive(t), Params{})
	require.NoError(t, err)
	defer sess.cleanup()

	require.Len(t, sess.manga, 1)
	mf := sess.manga[0]

	assert.NotEmpty(t, mf.CoverPath)
	assert.Equal(t, ".jpg", mf.CoverExt)
	assert.Equal(t, "A pirate story.", mf.Description)
	assert.Equal(t, []string{"action", "adventure"}, mf.Genres)
	assert.Equal(t, []AltTitle{{Title: "Wan Pisu", Lang: "ja"}}, mf.AltTitles)

	// Pages come back in natural order; preview.* is held aside.
	ch1 := mf.Chapters[0]
	require.Len(t, ch1.Images, 3)
	assert.Equal(t, "1.jpg", filepath.Base(ch1.Images[0]))
	assert.Equal(t, "2.jpg", filepath.Base(ch1.Images[1]))
	assert.Equal(t, "10.jpg", filepath.Base(ch1.Images[2]))

	ch25 := mf.Chapters[1]
	assert.NotEmpty(t, ch25.Preview)
	require.Len(t, ch25.Images, 1)
}

func TestTypeMarkerFileFallback(t *testing.T) {
	svc, _ := newTestService(t)

	data := buildZip(t, map[string]string{
		"Solo Leveling/manhwa.txt":          "",
		"Solo Leveling/Chapter 1/001.jpg":   "page",
	})
	report, err := svc.Import(t.Context(), data, Params{DryRun: true, Type: "manga"})
	require.NoError(t, err)
	assert.Equal(t, "manhwa", report.Plan.Manga[0].Type)
}

func TestBadAltTitlesFailAnalysis(t *testing.T) {
	svc, _ := newTestService(t)

	data := buildZip(t, map[string]string{
		"X/alt_titles.txt":      "Title Without Lang\n",
		"X/Chapter 1/001.jpg":   "page",
	})
	_, err := svc.Import(t.Context(), data, Params{DryRun: true})
	require.Error(t, err)
}

func TestConflictStrategies(t *testing.T) {
	svc, cat := newTestService(t)

	require.NoError(t, cat.SaveManga(&Manga{Slug: "one-piece", Title: "One Piece"}))
	require.NoError(t, cat.SaveChapter(&Chapter{
		MangaSlug: "one-piece",
		Number:    ChapterNumber{Main: 1},
		Folder:    "Chapter 1",
	}))

	report, err := svc.Import(t.Context(), sampleArchive(t), Params{DryRun: true})
	require.NoError(t, err)
	mp := report.Plan.Manga[0]
	assert.Equal(t, ActionSkipExists, mp.Chapters[0].Action)
	assert.Equal(t, ActionUpload, mp.Chapters[1].Action)
	assert.Equal(t, 1, report.Plan.TotalChapters)

	_, err = svc.Import(t.Context(), sampleArchive(t), Params{DryRun: true, OnConflict: ConflictError})
	assert.ErrorIs(t, err, ErrChapterConflict)
}

func TestResolveSlugVersions(t *testing.T) {
	svc, cat := newTestService(t)

	require.NoError(t, cat.SaveManga(&Manga{Slug: "berserk", Title: "Another Berserk"}))
	require.NoError(t, cat.SaveManga(&Manga{Slug: "berserk-v2", Title: "Yet Another"}))

	slug, existing, err := svc.resolveSlug(&MangaFolder{Slug: "berserk", Title: "Berserk"})
	require.NoError(t, err)
	assert.Equal(t, "berserk-v3", slug)
	assert.Nil(t, existing)

	// Same title claims the original slug.
	slug, existing, err = svc.resolveSlug(&MangaFolder{Slug: "berserk", Title: "Another Berserk"})
	require.NoError(t, err)
	assert.Equal(t, "berserk", slug)
	require.NotNil(t, existing)
}

func TestStageChapterRenames(t *testing.T) {
	svc, _ := newTestService(t)

	dir := t.TempDir()
	for _, name := range []string{"1.jpg", "10.png", "2.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("img"), 0o644))
	}
	ch := &ChapterFolder{Dir: dir, Name: "Chapter 1"}
	require.NoError(t, collectImages(ch))

	staging, names, total, err := svc.stageChapter(ch, false)
	require.NoError(t, err)
	defer os.RemoveAll(staging)

	assert.Equal(t, []string{"001.jpg", "002.jpg", "003.png"}, names)
	assert.Equal(t, int64(9), total)
	for _, name := range names {
		assert.FileExists(t, filepath.Join(staging, name))
	}
}

func TestStageChapterPreservesNames(t *testing.T) {
	svc, _ := newTestService(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opening.jpg"), []byte("img"), 0o644))
	ch := &ChapterFolder{Dir: dir, Name: "Chapter 1"}
	require.NoError(t, collectImages(ch))

	staging, names, _, err := svc.stageChapter(ch, true)
	require.NoError(t, err)
	defer os.RemoveAll(staging)

	assert.Equal(t, []string{"opening.jpg"}, names)
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "one-shot", NormalizeType("  One Shot "))
	assert.Equal(t, "manhwa", NormalizeType("MANHWA"))
	assert.Equal(t, "a-b-c", NormalizeType("a  b\tc"))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "one-piece", Slugify("One Piece"))
	assert.Equal(t, "dr-stone", Slugify("Dr. STONE!"))
	assert.Equal(t, "86", Slugify("  86  "))
}

func TestParseChapterNumber(t *testing.T) {
	n, ok := parseChapterNumber("12")
	require.True(t, ok)
	assert.Equal(t, ChapterNumber{Main: 12}, n)
	assert.Equal(t, "12", n.String())

	n, ok = parseChapterNumber("3.5")
	require.True(t, ok)
	assert.Equal(t, ChapterNumber{Main: 3, Sub: 5, HasSub: true}, n)
	assert.Equal(t, "3.5", n.String())
	assert.Equal(t, "3-5", n.Slug())

	_, ok = parseChapterNumber("x")
	assert.False(t, ok)

	assert.True(t, ChapterNumber{Main: 3}.Less(ChapterNumber{Main: 3, Sub: 5, HasSub: true}))
}

func TestResumeSkipsCompletedChapters(t *testing.T) {
	svc, _ := newTestService(t)

	token := svc.tracker.NewToken("one-piece")
	svc.tracker.MarkChapterComplete(token, "one-piece/Chapter 1")

	report, err := svc.Import(t.Context(), sampleArchive(t), Params{DryRun: true, ResumeToken: token})
	require.NoError(t, err)

	mp := report.Plan.Manga[0]
	assert.Equal(t, ActionSkipResumed, mp.Chapters[0].Action)
	assert.Equal(t, ActionUpload, mp.Chapters[1].Action)
}

// writeStubRclone installs a shell script in place of the rclone binary.
// Every invocation is appended to calls.log. The first "copy" fails with
// a quota error unless the marker file already exists.
func writeStubRclone(t *testing.T, dir string) (bin, callsLog, marker string) {
	t.Helper()
	callsLog = filepath.Join(dir, "calls.log")
	marker = filepath.Join(dir, "quota-fired")
	bin = filepath.Join(dir, "rclone")

	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
if [ "$1" = "copy" ] && [ ! -e %q ]; then
  touch %q
  echo "googleapi: Error 403: User rate limit exceeded, quotaExceeded" >&2
  exit 1
fi
exit 0
`, callsLog, marker, marker)
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, callsLog, marker
}

func newUploadService(t *testing.T, bin string, specs []router.GroupSpec) (*Service, *MemoryCatalog, *router.Router, *policy.Service) {
	t.Helper()
	rt := router.New(specs, router.RoundRobin, rclone.Options{Binary: bin}, nil)
	pol, err := policy.New(t.TempDir(), rt, true)
	require.NoError(t, err)

	cat := NewMemoryCatalog()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	svc := NewService(rt, pol, cat, progress.NewTracker(nil), broker, t.TempDir())
	return svc, cat, rt, pol
}

func jpegPage(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 36)), nil))
	return buf.String()
}

// A quota failure on the primary marks the group full, advances the
// active group, and the chapter retry lands in the next group.
func TestQuotaFailureAdvancesGroupAndRetries(t *testing.T) {
	bin, _, _ := writeStubRclone(t, t.TempDir())
	svc, cat, rt, pol := newUploadService(t, bin, []router.GroupSpec{
		{Number: 1, Primary: "r1"},
		{Number: 2, Primary: "r2"},
	})

	data := buildZip(t, map[string]string{
		"Berserk/Chapter 1/001.jpg": "page-one",
		"Berserk/Chapter 1/002.jpg": "page-two",
	})
	report, err := svc.Import(t.Context(), data, Params{BaseFolder: "library"})
	require.NoError(t, err)
	require.True(t, report.Completed)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Empty(t, res.Error)
	assert.Equal(t, 2, res.Group)
	assert.Equal(t, "r2", res.Remote)
	require.Len(t, res.Pages, 2)
	for _, page := range res.Pages {
		assert.True(t, strings.HasPrefix(page.StoredPath, "@2/"), page.StoredPath)
	}

	assert.True(t, rt.IsGroupFull(1))
	assert.Equal(t, 2, pol.Active())
	raw, err := os.ReadFile(pol.StatePath())
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(raw))

	chapters := cat.Chapters("berserk")
	require.Len(t, chapters, 1)
	assert.Equal(t, "berserk-chapter-1", chapters[0].Slug)
	assert.Equal(t, "@2/library/berserk/Chapter 1/001.jpg", chapters[0].Pages[0].StoredPath)
}

// Full upload run: catalog rows, cover, preview override vs rendered
// thumbnail, and server-side mirrors to the backup remote.
func TestImportUploadsCatalogAndMirrors(t *testing.T) {
	dir := t.TempDir()
	bin, callsLog, marker := writeStubRclone(t, dir)
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	svc, cat, _, _ := newUploadService(t, bin, []router.GroupSpec{
		{Number: 1, Primary: "r1", Backups: []string{"b1"}},
	})

	page := jpegPage(t)
	data := buildZip(t, map[string]string{
		"Berserk/cover.jpg":             page,
		"Berserk/Chapter 1/001.jpg":     page,
		"Berserk/Chapter 1/002.jpg":     page,
		"Berserk/Chapter 2/001.jpg":     page,
		"Berserk/Chapter 2/preview.jpg": page,
		"Vagabond/Chapter 3/001.jpg":    page,
	})

	report, err := svc.Import(t.Context(), data, Params{BaseFolder: "library"})
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Empty(t, report.ResumeToken)
	require.Len(t, report.Results, 3)
	svc.WaitMirrors()

	berserk, ok, err := cat.GetManga("berserk")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "library/berserk/cover.jpg", berserk.CoverPath)
	assert.Equal(t, "library", berserk.StorageSource)

	chapters := cat.Chapters("berserk")
	require.Len(t, chapters, 2)

	// Chapter 1 has no preview file, so a thumbnail is rendered from the
	// first page.
	ch1 := chapters[0]
	assert.Equal(t, "berserk-chapter-1", ch1.Slug)
	assert.Equal(t, "library/berserk/Chapter 1/thumbnail.jpg", ch1.AnchorPath)
	assert.Equal(t, "/proxy/library/berserk/Chapter 1/thumbnail.jpg", ch1.PreviewURL)
	require.Len(t, ch1.Pages, 2)
	assert.Equal(t, "library/berserk/Chapter 1/001.jpg", ch1.Pages[0].StoredPath)
	assert.Equal(t, "library/berserk/Chapter 1/002.jpg", ch1.Pages[1].StoredPath)

	// Chapter 2 ships its own preview, which wins over the thumbnail.
	ch2 := chapters[1]
	assert.Equal(t, "library/berserk/Chapter 2/preview.jpg", ch2.AnchorPath)
	require.Len(t, ch2.Pages, 1)

	_, ok, err = cat.GetManga("vagabond")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, cat.Chapters("vagabond"), 1)

	raw, err := os.ReadFile(callsLog)
	require.NoError(t, err)
	calls := string(raw)
	assert.Contains(t, calls, "copyto")
	assert.Contains(t, calls, "r1:library/berserk/cover.jpg")
	assert.Contains(t, calls, "b1:library/berserk/Chapter 1")
	assert.Contains(t, calls, "b1:library/berserk/Chapter 2")
	assert.Contains(t, calls, "b1:library/vagabond/Chapter 3")
}
