package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pagerelay/pagerelay/pkg/rclone"
)

// Series types and publication statuses accepted from metadata files.
var (
	validTypes = map[string]bool{
		"manga":     true,
		"manhwa":    true,
		"manhua":    true,
		"novel":     true,
		"doujinshi": true,
		"one-shot":  true,
	}

	validStatuses = map[string]bool{
		"ongoing":   true,
		"completed": true,
		"hiatus":    true,
		"cancelled": true,
	}
)

var (
	coverNames = []string{"cover.jpg", "cover.jpeg", "cover.png", "cover.webp"}

	altTitleLangRe = regexp.MustCompile(`^[a-z]{2,5}$`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	slugCleanRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// DefaultChapterPattern matches chapter directory names and captures the
// chapter number, decimal part included.
const DefaultChapterPattern = `[Cc]hapter[_\s]?(\d+(?:\.\d+)?)`

// AltTitle is one alternative series title with its language code.
type AltTitle struct {
	Title string `json:"title"`
	Lang  string `json:"lang"`
}

// ChapterNumber is a parsed chapter number such as 12 or 12.5.
type ChapterNumber struct {
	Main   int  `json:"main"`
	Sub    int  `json:"sub"`
	HasSub bool `json:"has_sub"`
}

// String renders the number the way it appeared: "12" or "12.5".
func (n ChapterNumber) String() string {
	if n.HasSub {
		return fmt.Sprintf("%d.%d", n.Main, n.Sub)
	}
	return strconv.Itoa(n.Main)
}

// Slug renders the number for URL use: "12" or "12-5".
func (n ChapterNumber) Slug() string {
	if n.HasSub {
		return fmt.Sprintf("%d-%d", n.Main, n.Sub)
	}
	return strconv.Itoa(n.Main)
}

// Less orders chapter numbers numerically, sub parts after the main.
func (n ChapterNumber) Less(o ChapterNumber) bool {
	if n.Main != o.Main {
		return n.Main < o.Main
	}
	return n.Sub < o.Sub
}

// ChapterFolder is one detected chapter directory.
type ChapterFolder struct {
	Dir     string
	Name    string
	Number  ChapterNumber
	Images  []string // natural order, absolute paths
	Preview string   // per-chapter preview override, empty when absent
}

// MangaFolder is one analyzed top-level series directory.
type MangaFolder struct {
	Dir         string
	Title       string
	Slug        string
	CoverPath   string
	CoverExt    string
	Description string
	Genres      []string
	AltTitles   []AltTitle
	Type        string
	Status      string
	Chapters    []ChapterFolder
}

// TotalFiles counts the page images across all chapters.
func (m *MangaFolder) TotalFiles() int {
	total := 0
	for _, ch := range m.Chapters {
		total += len(ch.Images)
	}
	return total
}

// analyzer scans extracted archive contents.
type analyzer struct {
	chapterRe     *regexp.Regexp
	defaultType   string
	defaultStatus string
}

// scanRoot finds and analyzes every series directory under root.
func (a *analyzer) scanRoot(root string) ([]*MangaFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []*MangaFolder
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		mf, err := a.analyzeManga(filepath.Join(root, e.Name()), e.Name())
		if err != nil {
			return nil, fmt.Errorf("analyze %q: %w", e.Name(), err)
		}
		out = append(out, mf)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (a *analyzer) analyzeManga(dir, name string) (*MangaFolder, error) {
	mf := &MangaFolder{
		Dir:   dir,
		Title: strings.TrimSpace(name),
		Slug:  Slugify(name),
	}

	for _, cover := range coverNames {
		p := filepath.Join(dir, cover)
		if fileExists(p) {
			mf.CoverPath = p
			mf.CoverExt = filepath.Ext(cover)
			break
		}
	}

	mf.Description = readTrimmed(filepath.Join(dir, "description.txt"))
	mf.Genres = parseGenres(filepath.Join(dir, "genres.txt"))

	alts, err := parseAltTitles(filepath.Join(dir, "alt_titles.txt"))
	if err != nil {
		return nil, err
	}
	mf.AltTitles = alts

	mf.Type = a.resolveType(dir)
	mf.Status = a.resolveStatus(dir)

	chapters, err := a.scanChapters(dir)
	if err != nil {
		return nil, err
	}
	mf.Chapters = chapters
	return mf, nil
}

// resolveType applies the priority type.txt > marker file > request
// parameter. Unknown values fall through to the next source.
func (a *analyzer) resolveType(dir string) string {
	if t := NormalizeType(readTrimmed(filepath.Join(dir, "type.txt"))); validTypes[t] {
		return t
	}
	for t := range validTypes {
		if fileExists(filepath.Join(dir, t+".txt")) {
			return t
		}
	}
	if t := NormalizeType(a.defaultType); validTypes[t] {
		return t
	}
	return "manga"
}

// resolveStatus applies the priority status.txt > request parameter.
func (a *analyzer) resolveStatus(dir string) string {
	if s := NormalizeType(readTrimmed(filepath.Join(dir, "status.txt"))); validStatuses[s] {
		return s
	}
	if s := NormalizeType(a.defaultStatus); validStatuses[s] {
		return s
	}
	return "ongoing"
}

func (a *analyzer) scanChapters(dir string) ([]ChapterFolder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var chapters []ChapterFolder
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := a.chapterRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		num, ok := parseChapterNumber(m[1])
		if !ok {
			continue
		}

		ch := ChapterFolder{
			Dir:    filepath.Join(dir, e.Name()),
			Name:   e.Name(),
			Number: num,
		}
		if err := collectImages(&ch); err != nil {
			return nil, err
		}
		if len(ch.Images) == 0 {
			continue
		}
		chapters = append(chapters, ch)
	}

	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Number.Less(chapters[j].Number) })
	return chapters, nil
}

// collectImages gathers the chapter's pages in natural order. A file
// named preview.* is held aside as the thumbnail override instead of
// being treated as a page.
func collectImages(ch *ChapterFolder) error {
	entries, err := os.ReadDir(ch.Dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !rclone.ImageExtensions[ext] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), "preview.") {
			ch.Preview = filepath.Join(ch.Dir, name)
			continue
		}
		names = append(names, name)
	}

	rclone.NaturalSort(names)
	ch.Images = make([]string, len(names))
	for i, name := range names {
		ch.Images[i] = filepath.Join(ch.Dir, name)
	}
	return nil
}

func parseChapterNumber(s string) (ChapterNumber, bool) {
	main, sub, hasSub := s, "", false
	if i := strings.IndexByte(s, '.'); i >= 0 {
		main, sub, hasSub = s[:i], s[i+1:], true
	}

	m, err := strconv.Atoi(main)
	if err != nil {
		return ChapterNumber{}, false
	}
	n := ChapterNumber{Main: m, HasSub: hasSub}
	if hasSub {
		v, err := strconv.Atoi(sub)
		if err != nil {
			return ChapterNumber{}, false
		}
		n.Sub = v
	}
	return n, true
}

// parseGenres reads comma-separated genre slugs, lowercased and deduplicated.
func parseGenres(path string) []string {
	raw := readTrimmed(path)
	if raw == "" {
		return nil
	}

	seen := map[string]bool{}
	var out []string
	for _, g := range strings.Split(raw, ",") {
		g = Slugify(g)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}

// parseAltTitles reads "title|lang" lines. Blank lines and # comments
// are skipped; a bad language code fails the whole file.
func parseAltTitles(path string) ([]AltTitle, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []AltTitle
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		title, lang, ok := strings.Cut(text, "|")
		if !ok {
			return nil, fmt.Errorf("alt_titles.txt line %d: missing | separator", line)
		}
		title = strings.TrimSpace(title)
		lang = strings.ToLower(strings.TrimSpace(lang))
		if title == "" || !altTitleLangRe.MatchString(lang) {
			return nil, fmt.Errorf("alt_titles.txt line %d: bad entry %q", line, text)
		}
		out = append(out, AltTitle{Title: title, Lang: lang})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeType case-folds a metadata value and collapses whitespace
// runs into a single dash, so "One Shot" matches "one-shot".
func NormalizeType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRe.ReplaceAllString(s, "-")
}

// Slugify renders a URL-safe series slug.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugCleanRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func readTrimmed(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
