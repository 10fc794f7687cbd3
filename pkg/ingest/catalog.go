package ingest

import (
	"sort"
	"sync"
)

// Manga is the catalog row for one series.
type Manga struct {
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Description   string     `json:"description,omitempty"`
	CoverPath     string     `json:"cover_path,omitempty"`
	StorageSource string     `json:"storage_source,omitempty"`
	Genres        []string   `json:"genres,omitempty"`
	AltTitles     []AltTitle `json:"alt_titles,omitempty"`
}

// Page is one stored page of a chapter.
type Page struct {
	Index      int    `json:"index"`
	StoredPath string `json:"stored_path"`
}

// Chapter is the catalog row for one uploaded chapter.
type Chapter struct {
	MangaSlug  string        `json:"manga_slug"`
	Slug       string        `json:"slug"`
	Number     ChapterNumber `json:"number"`
	Folder     string        `json:"folder"`
	AnchorPath string        `json:"anchor_path,omitempty"`
	PreviewURL string        `json:"preview_url,omitempty"`
	Pages      []Page        `json:"pages"`
}

// Catalog is the narrow interface the ingest engine needs from the
// series database. The real catalog lives in an external system; tests
// and single-binary deployments use the in-memory implementation.
type Catalog interface {
	// GetManga returns the row for slug, or ok=false when absent.
	GetManga(slug string) (*Manga, bool, error)
	// SaveManga inserts or replaces a row.
	SaveManga(m *Manga) error
	// HasChapter reports whether the chapter number already exists.
	HasChapter(slug string, num ChapterNumber) (bool, error)
	// SaveChapter inserts a chapter with its pages.
	SaveChapter(c *Chapter) error
}

// MemoryCatalog is a mutex-guarded in-memory Catalog.
type MemoryCatalog struct {
	mu       sync.Mutex
	manga    map[string]*Manga
	chapters map[string]map[string]*Chapter
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		manga:    make(map[string]*Manga),
		chapters: make(map[string]map[string]*Chapter),
	}
}

func (c *MemoryCatalog) GetManga(slug string) (*Manga, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.manga[slug]
	if !ok {
		return nil, false, nil
	}
	cp := *m
	return &cp, true, nil
}

func (c *MemoryCatalog) SaveManga(m *Manga) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *m
	c.manga[m.Slug] = &cp
	return nil
}

func (c *MemoryCatalog) HasChapter(slug string, num ChapterNumber) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chapters[slug][num.String()]
	return ok, nil
}

func (c *MemoryCatalog) SaveChapter(ch *Chapter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chapters[ch.MangaSlug] == nil {
		c.chapters[ch.MangaSlug] = make(map[string]*Chapter)
	}
	cp := *ch
	c.chapters[ch.MangaSlug][ch.Number.String()] = &cp
	return nil
}

// Chapters returns the stored chapters of a series in numeric order.
func (c *MemoryCatalog) Chapters(slug string) []*Chapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Chapter
	for _, ch := range c.chapters[slug] {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number.Less(out[j].Number) })
	return out
}
