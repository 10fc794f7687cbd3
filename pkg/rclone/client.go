package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/log"
)

const (
	// processGrace is added to the rclone --timeout value to form the
	// OS-level deadline, so the tool gets a chance to fail on its own.
	processGrace = 5 * time.Second

	defaultTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// Binary is the rclone executable name or path.
	Binary string

	// Timeout is the default per-call timeout.
	Timeout time.Duration
}

// Client runs rclone subcommands against one named remote.
type Client struct {
	remote  string
	binary  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a client for the given remote name.
func NewClient(remote string, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "rclone"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		remote:  remote,
		binary:  opts.Binary,
		timeout: opts.Timeout,
		logger:  log.WithRemote(remote),
	}
}

// Remote returns the remote name this client targets.
func (c *Client) Remote() string {
	return c.remote
}

// FileInfo is one entry from lsjson.
type FileInfo struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	MimeType string `json:"MimeType"`
	ModTime  string `json:"ModTime"`
	IsDir    bool   `json:"IsDir"`

	// FullPath is Path joined onto the listed folder.
	FullPath string `json:"-"`
}

// Usage is the parsed output of `rclone about --json`.
type Usage struct {
	Total   int64 `json:"total"`
	Used    int64 `json:"used"`
	Free    int64 `json:"free"`
	Trashed int64 `json:"trashed"`
}

// FolderOptions tunes a batched folder copy.
type FolderOptions struct {
	Transfers int
	Checkers  int
	ChunkSize string
	Exclude   []string

	// FileCount scales the timeout: max(5m, 10s per file).
	FileCount int
}

func (o FolderOptions) withDefaults() FolderOptions {
	if o.Transfers <= 0 {
		o.Transfers = 8
	}
	if o.Checkers <= 0 {
		o.Checkers = 8
	}
	if o.ChunkSize == "" {
		o.ChunkSize = "64M"
	}
	return o
}

// FolderTimeout returns the batched-copy timeout for n files.
func FolderTimeout(n int) time.Duration {
	t := time.Duration(n) * 10 * time.Second
	if t < 5*time.Minute {
		t = 5 * time.Minute
	}
	return t
}

// FormatTimeout renders a duration the way rclone flags expect ("30s").
func FormatTimeout(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs) + "s"
}

// target joins a relative path onto the remote spec ("gdrive:a/b").
func (c *Client) target(p string) string {
	return c.remote + ":" + p
}

// run executes one rclone subcommand with a scrubbed environment and an
// explicit timeout flag. It returns stdout, stderr text, and the exec
// error if any.
func (c *Client) run(ctx context.Context, timeout time.Duration, stdin io.Reader, args ...string) ([]byte, string, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	full := append(args, "--timeout", FormatTimeout(timeout))

	runCtx, cancel := context.WithTimeout(ctx, timeout+processGrace)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary, full...)
	cmd.Env = ScrubEnviron(os.Environ())
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		c.logger.Debug().
			Str("subcommand", args[0]).
			Dur("elapsed", elapsed).
			Str("stderr", msg).
			Msg("rclone invocation failed")
		return stdout.Bytes(), stderr.String(), fmt.Errorf("rclone %s on %s: %w: %s", args[0], c.remote, err, msg)
	}

	c.logger.Debug().
		Str("subcommand", args[0]).
		Dur("elapsed", elapsed).
		Msg("rclone invocation ok")
	return stdout.Bytes(), stderr.String(), nil
}

// ListFiles lists files under folder, optionally filtered by a MIME
// substring, natural-sorted by name.
func (c *Client) ListFiles(ctx context.Context, folder, mimeFilter string) ([]FileInfo, error) {
	if err := ValidatePath(folder); err != nil {
		return nil, err
	}

	stdout, stderr, err := c.run(ctx, 0, nil, "lsjson", c.target(folder), "--files-only")
	if err != nil {
		return nil, ClassifyRunError(err, stderr)
	}

	var entries []FileInfo
	if err := json.Unmarshal(stdout, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse lsjson output: %w", err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if mimeFilter != "" && !strings.Contains(e.MimeType, mimeFilter) {
			continue
		}
		e.FullPath = strings.TrimSuffix(folder, "/") + "/" + e.Path
		out = append(out, e)
	}

	SortFileInfos(out)
	return out, nil
}

// SortFileInfos orders entries by natural name order.
func SortFileInfos(files []FileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		return NaturalLess(files[i].Name, files[j].Name)
	})
}

// DownloadBytes fetches one image object via cat.
func (c *Client) DownloadBytes(ctx context.Context, p string) ([]byte, error) {
	if err := ValidateImagePath(p); err != nil {
		return nil, err
	}
	stdout, stderr, err := c.run(ctx, 0, nil, "cat", c.target(p))
	if err != nil {
		return nil, ClassifyRunError(err, stderr)
	}
	return stdout, nil
}

// UploadFile copies one local file to the given remote path.
func (c *Client) UploadFile(ctx context.Context, local, remotePath string) error {
	if err := ValidatePath(remotePath); err != nil {
		return err
	}
	_, stderr, err := c.run(ctx, 0, nil, "copyto", local, c.target(remotePath))
	return ClassifyRunError(err, stderr)
}

// UploadReader streams bytes from r into the given remote path via rcat.
func (c *Client) UploadReader(ctx context.Context, r io.Reader, remotePath string) error {
	if err := ValidatePath(remotePath); err != nil {
		return err
	}
	_, stderr, err := c.run(ctx, 0, r, "rcat", c.target(remotePath))
	return ClassifyRunError(err, stderr)
}

// UploadFolder performs the canonical batched write: one `copy` of a
// whole local directory into a remote directory.
func (c *Client) UploadFolder(ctx context.Context, localDir, remoteDir string, opts FolderOptions) error {
	if err := ValidatePath(remoteDir); err != nil {
		return err
	}
	opts = opts.withDefaults()

	args := []string{
		"copy", localDir, c.target(remoteDir),
		"--transfers", strconv.Itoa(opts.Transfers),
		"--checkers", strconv.Itoa(opts.Checkers),
		"--drive-chunk-size", opts.ChunkSize,
		"--fast-list",
		"--no-traverse",
	}
	for _, pattern := range opts.Exclude {
		args = append(args, "--exclude", pattern)
	}

	_, stderr, err := c.run(ctx, FolderTimeout(opts.FileCount), nil, args...)
	return ClassifyRunError(err, stderr)
}

// CopyFrom mirrors a directory from another remote into this one using a
// server-side copy (src is a full "remote:path" spec).
func (c *Client) CopyFrom(ctx context.Context, src, dstDir string, fileCount int) error {
	if err := ValidatePath(dstDir); err != nil {
		return err
	}
	args := []string{
		"copy", src, c.target(dstDir),
		"--drive-server-side-across-configs",
		"--fast-list",
		"--no-traverse",
	}
	_, stderr, err := c.run(ctx, FolderTimeout(fileCount), nil, args...)
	return ClassifyRunError(err, stderr)
}

// Mkdir creates a directory on the remote.
func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	_, stderr, err := c.run(ctx, 0, nil, "mkdir", c.target(p))
	return ClassifyRunError(err, stderr)
}

// Purge removes a directory and all its contents.
func (c *Client) Purge(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	_, stderr, err := c.run(ctx, 0, nil, "purge", c.target(p))
	return ClassifyRunError(err, stderr)
}

// DeleteFile removes a single object.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	_, stderr, err := c.run(ctx, 0, nil, "deletefile", c.target(p))
	return ClassifyRunError(err, stderr)
}

// About reports storage usage for the remote.
func (c *Client) About(ctx context.Context) (*Usage, error) {
	stdout, stderr, err := c.run(ctx, 0, nil, "about", c.remote+":", "--json")
	if err != nil {
		return nil, ClassifyRunError(err, stderr)
	}
	var usage Usage
	if err := json.Unmarshal(stdout, &usage); err != nil {
		return nil, fmt.Errorf("failed to parse about output: %w", err)
	}
	return &usage, nil
}

// TestConnection reports whether the remote is configured in rclone.
func (c *Client) TestConnection(ctx context.Context) bool {
	stdout, _, err := c.run(ctx, 0, nil, "listremotes")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.TrimSpace(line) == c.remote+":" {
			return true
		}
	}
	return false
}
