package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/daemon"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/pathgroup"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/router"
)

// Serve modes reported in the response mode header.
const (
	ModeStream   = "stream"
	ModeFallback = "fallback"
)

// streamChunkSize is the copy buffer used when relaying daemon bytes.
const streamChunkSize = 64 * 1024

// ErrUpstreamFailed means every daemon and remote attempt failed.
var ErrUpstreamFailed = errors.New("no upstream could serve the file")

// Source is one successfully opened image.
type Source struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Mode          string
	Group         int
	DaemonURL     string
	Remote        string
}

// Reader resolves a stored path to a byte stream, preferring the serve
// daemons of the path's group and falling back to blocking downloads.
type Reader struct {
	router     *router.Router
	pool       *daemon.Pool
	maxRetries int
	fallback   bool
	logger     zerolog.Logger
}

// NewReader builds a reader. maxRetries bounds fallback attempts per
// remote.
func NewReader(r *router.Router, pool *daemon.Pool, maxRetries int) *Reader {
	if maxRetries < 1 {
		maxRetries = 2
	}
	return &Reader{
		router:     r,
		pool:       pool,
		maxRetries: maxRetries,
		fallback:   true,
		logger:     log.WithComponent("reader"),
	}
}

// WithFallback toggles blocking downloads when no daemon answers.
// Enabled by default.
func (r *Reader) WithFallback(enabled bool) *Reader {
	r.fallback = enabled
	return r
}

// Open resolves storedPath and returns an open source. The caller owns
// Body. Returns rclone.ErrNotFound when the file is genuinely absent and
// ErrUpstreamFailed when every attempt failed.
func (r *Reader) Open(ctx context.Context, storedPath string) (*Source, error) {
	group := pathgroup.Group(storedPath)
	rel := pathgroup.Clean(storedPath)

	if err := rclone.ValidateImagePath(rel); err != nil {
		return nil, err
	}

	src, err := r.openDaemon(ctx, group, rel)
	switch {
	case err == nil:
		return src, nil
	case errors.Is(err, rclone.ErrNotFound):
		// A daemon 404 is authoritative: the file is absent everywhere
		// in the group, do not burn fallback attempts on it.
		return nil, err
	case !r.fallback:
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}

	return r.openFallback(ctx, group, rel)
}

var errNoDaemon = errors.New("no daemon available")

func (r *Reader) openDaemon(ctx context.Context, group int, rel string) (*Source, error) {
	base, ok := r.router.NextDaemonURL(group)
	if !ok {
		return nil, errNoDaemon
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+escapePath(rel), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.pool.Get(base).Do(req)
	if err != nil {
		r.logger.Debug().Err(err).Str("daemon", base).Msg("daemon request failed, falling back")
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &Source{
			Body:          resp.Body,
			ContentType:   contentTypeFor(rel),
			ContentLength: resp.ContentLength,
			Mode:          ModeStream,
			Group:         group,
			DaemonURL:     base,
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", rel, rclone.ErrNotFound)
	default:
		resp.Body.Close()
		r.logger.Debug().Int("status", resp.StatusCode).Str("daemon", base).Msg("daemon returned error, falling back")
		return nil, fmt.Errorf("daemon status %d", resp.StatusCode)
	}
}

func (r *Reader) openFallback(ctx context.Context, group int, rel string) (*Source, error) {
	budget := r.router.AvailableRemotes(group) * r.maxRetries
	if budget < 1 {
		budget = 1
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		name, client, err := r.router.NextRemote(group)
		if err != nil {
			return nil, err
		}
		status, _ := r.router.StatusOf(group, name)

		data, err := client.DownloadBytes(ctx, rel)
		if err == nil {
			status.MarkSuccess()
			return &Source{
				Body:          io.NopCloser(bytes.NewReader(data)),
				ContentType:   contentTypeFor(rel),
				ContentLength: int64(len(data)),
				Mode:          ModeFallback,
				Group:         group,
				Remote:        name,
			}, nil
		}
		if errors.Is(err, rclone.ErrNotFound) {
			status.MarkSuccess()
			return nil, err
		}
		status.MarkFailure(err.Error(), errors.Is(err, rclone.ErrQuotaExceeded))
		lastErr = err
		r.logger.Debug().Err(err).Str("remote", name).Int("attempt", attempt+1).Msg("fallback download failed")
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
	}
	return nil, ErrUpstreamFailed
}

// escapePath percent-encodes each path segment, keeping separators.
func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// contentTypeFor infers the media type from the file extension.
func contentTypeFor(rel string) string {
	if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
