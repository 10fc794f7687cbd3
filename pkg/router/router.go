package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/pathgroup"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/remotehealth"
)

var (
	// ErrNoHealthyRemotes signals group 1 has no selectable remote even
	// after an auto-recovery pass.
	ErrNoHealthyRemotes = errors.New("no healthy remotes available")

	// ErrGroupUnavailable signals a higher group has no selectable
	// remote; callers may escalate to another group.
	ErrGroupUnavailable = errors.New("storage group unavailable")

	// ErrUnknownGroup signals a group number with no configuration.
	ErrUnknownGroup = errors.New("storage group not configured")
)

// Selection strategies.
const (
	RoundRobin = "round_robin"
	Weighted   = "weighted"
	Random     = "random"
	LeastUsed  = "least_used"
)

const (
	urlCacheTTL      = 30 * time.Second
	recoveryInterval = time.Minute
)

// GroupSpec configures one storage group.
type GroupSpec struct {
	Number     int
	Primary    string
	Backups    []string
	QuotaBytes int64 // 0 = unbounded
}

// Supervisor is the daemon-side view the router needs.
type Supervisor interface {
	IsRunning(remote string) bool
	URLOf(remote string) (string, bool)
}

type group struct {
	mu sync.Mutex

	spec    GroupSpec
	remotes []string // primary first, configured order
	clients map[string]*rclone.Client
	status  map[string]*remotehealth.Status

	remoteCursor int
	urlCursor    int
	urlCache     []string
	urlCachedAt  time.Time

	uploadedBytes int64
	isFull        bool
	fullSince     time.Time
	fullReason    string
}

// Router routes reads and writes across storage groups.
type Router struct {
	groups   map[int]*group
	order    []int
	strategy string
	sup      Supervisor
	events   *events.Broker
	logger   zerolog.Logger
}

// New builds a router from group specs. Remotes keep configured order,
// primary first.
func New(specs []GroupSpec, strategy string, clientOpts rclone.Options, sup Supervisor) *Router {
	r := &Router{
		groups:   make(map[int]*group, len(specs)),
		strategy: strategy,
		sup:      sup,
		logger:   log.WithComponent("router"),
	}

	for _, spec := range specs {
		names := append([]string{spec.Primary}, spec.Backups...)
		g := &group{
			spec:    spec,
			remotes: names,
			clients: make(map[string]*rclone.Client, len(names)),
			status:  make(map[string]*remotehealth.Status, len(names)),
		}
		for _, name := range names {
			g.clients[name] = rclone.NewClient(name, clientOpts)
			g.status[name] = remotehealth.NewStatus(name)
		}
		r.groups[spec.Number] = g
		r.order = append(r.order, spec.Number)
	}
	sort.Ints(r.order)
	return r
}

// WithEvents routes group and remote state changes to the broker.
func (r *Router) WithEvents(b *events.Broker) *Router {
	r.events = b
	return r
}

// Groups returns the configured group numbers in ascending order.
func (r *Router) Groups() []int {
	out := make([]int, len(r.order))
	copy(out, r.order)
	return out
}

// HasGroup reports whether group n is configured.
func (r *Router) HasGroup(n int) bool {
	_, ok := r.groups[n]
	return ok
}

// Remotes returns the configured remote names of group n, primary first.
func (r *Router) Remotes(n int) []string {
	g, ok := r.groups[n]
	if !ok {
		return nil
	}
	out := make([]string, len(g.remotes))
	copy(out, g.remotes)
	return out
}

// Primary returns the primary remote name of group n.
func (r *Router) Primary(n int) (string, error) {
	g, ok := r.groups[n]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownGroup, n)
	}
	return g.spec.Primary, nil
}

// Backups returns the backup remote names of group n.
func (r *Router) Backups(n int) []string {
	g, ok := r.groups[n]
	if !ok {
		return nil
	}
	out := make([]string, len(g.spec.Backups))
	copy(out, g.spec.Backups)
	return out
}

// ClientOf returns the remote client for a remote in group n.
func (r *Router) ClientOf(n int, remote string) (*rclone.Client, bool) {
	g, ok := r.groups[n]
	if !ok {
		return nil, false
	}
	c, ok := g.clients[remote]
	return c, ok
}

// StatusOf returns the health tracker for a remote in group n.
func (r *Router) StatusOf(n int, remote string) (*remotehealth.Status, bool) {
	g, ok := r.groups[n]
	if !ok {
		return nil, false
	}
	s, ok := g.status[remote]
	return s, ok
}

// GroupForPath decodes the group number encoded in a stored path.
func (r *Router) GroupForPath(path string) int {
	return pathgroup.Group(path)
}

// available returns the selectable remote names of g in configured order.
func (g *group) available() []string {
	var out []string
	for _, name := range g.remotes {
		if g.status[name].Available() {
			out = append(out, name)
		}
	}
	return out
}

// NextRemote picks an available remote from group n using the configured
// strategy. When none is available it runs one auto-recovery pass and
// retries before failing.
func (r *Router) NextRemote(n int) (string, *rclone.Client, error) {
	g, ok := r.groups[n]
	if !ok {
		return "", nil, fmt.Errorf("%w: %d", ErrUnknownGroup, n)
	}

	avail := g.available()
	if len(avail) == 0 {
		r.recoverGroup(g)
		avail = g.available()
	}
	if len(avail) == 0 {
		if n == 1 {
			return "", nil, ErrNoHealthyRemotes
		}
		return "", nil, fmt.Errorf("%w: group %d", ErrGroupUnavailable, n)
	}

	name := r.pick(g, avail)
	return name, g.clients[name], nil
}

func (r *Router) pick(g *group, avail []string) string {
	switch r.strategy {
	case Random:
		return avail[rand.Intn(len(avail))]

	case Weighted:
		rates := make([]float64, len(avail))
		var sum float64
		for i, name := range avail {
			rates[i] = g.status[name].SuccessRate()
			sum += rates[i]
		}
		if sum <= 0 {
			return avail[rand.Intn(len(avail))]
		}
		target := rand.Float64() * sum
		for i, rate := range rates {
			target -= rate
			if target <= 0 {
				return avail[i]
			}
		}
		return avail[len(avail)-1]

	case LeastUsed:
		best := avail[0]
		bestTotal := g.status[best].Total()
		for _, name := range avail[1:] {
			if t := g.status[name].Total(); t < bestTotal {
				best, bestTotal = name, t
			}
		}
		return best

	default: // round robin
		g.mu.Lock()
		defer g.mu.Unlock()
		name := avail[g.remoteCursor%len(avail)]
		g.remoteCursor++
		return name
	}
}

// ActiveDaemonURLs returns the live daemon URLs of group n in configured
// order, cached for 30 seconds.
func (r *Router) ActiveDaemonURLs(n int) []string {
	g, ok := r.groups[n]
	if !ok || r.sup == nil {
		return nil
	}

	g.mu.Lock()
	if time.Since(g.urlCachedAt) < urlCacheTTL {
		urls := make([]string, len(g.urlCache))
		copy(urls, g.urlCache)
		g.mu.Unlock()
		return urls
	}
	remotes := make([]string, len(g.remotes))
	copy(remotes, g.remotes)
	g.mu.Unlock()

	var urls []string
	for _, remote := range remotes {
		if url, ok := r.sup.URLOf(remote); ok {
			urls = append(urls, url)
		}
	}

	g.mu.Lock()
	g.urlCache = urls
	g.urlCachedAt = time.Now()
	out := make([]string, len(urls))
	copy(out, urls)
	g.mu.Unlock()
	return out
}

// NextDaemonURL round-robins over the live daemon URLs of group n.
func (r *Router) NextDaemonURL(n int) (string, bool) {
	urls := r.ActiveDaemonURLs(n)
	if len(urls) == 0 {
		return "", false
	}

	g := r.groups[n]
	g.mu.Lock()
	url := urls[g.urlCursor%len(urls)]
	g.urlCursor++
	g.mu.Unlock()
	return url, true
}

// InvalidateDaemonURLs drops the cached URL list for group n.
func (r *Router) InvalidateDaemonURLs(n int) {
	if g, ok := r.groups[n]; ok {
		g.mu.Lock()
		g.urlCachedAt = time.Time{}
		g.mu.Unlock()
	}
}

// RecordUploadBytes accumulates bytes written to group n and marks the
// group full once its quota ceiling is reached.
func (r *Router) RecordUploadBytes(n int, bytes int64) {
	g, ok := r.groups[n]
	if !ok {
		return
	}

	g.mu.Lock()
	g.uploadedBytes += bytes
	total := g.uploadedBytes
	reached := g.spec.QuotaBytes > 0 && total >= g.spec.QuotaBytes && !g.isFull
	if reached {
		g.isFull = true
		g.fullSince = time.Now()
		g.fullReason = "quota ceiling reached"
	}
	g.mu.Unlock()

	if reached {
		r.logger.Warn().
			Int("group", n).
			Int64("uploaded_bytes", total).
			Msg("group reached quota ceiling, new writes should switch groups")
		r.events.Emit(events.EventGroupFull, "quota ceiling reached", "group", strconv.Itoa(n))
	}
}

// MarkGroupFull forces group n full. Idempotent.
func (r *Router) MarkGroupFull(n int, reason string) {
	g, ok := r.groups[n]
	if !ok {
		return
	}

	g.mu.Lock()
	already := g.isFull
	if !already {
		g.isFull = true
		g.fullSince = time.Now()
		g.fullReason = reason
	}
	g.mu.Unlock()

	if !already {
		r.logger.Warn().Int("group", n).Str("reason", reason).Msg("group marked full")
		r.events.Emit(events.EventGroupFull, reason, "group", strconv.Itoa(n))
	}
}

// IsGroupFull reports the full flag of group n.
func (r *Router) IsGroupFull(n int) bool {
	g, ok := r.groups[n]
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isFull
}

// ResetGroup zeroes the byte counter and clears the full flag of group n.
func (r *Router) ResetGroup(n int) {
	g, ok := r.groups[n]
	if !ok {
		return
	}
	g.mu.Lock()
	g.uploadedBytes = 0
	g.isFull = false
	g.fullSince = time.Time{}
	g.fullReason = ""
	g.mu.Unlock()
}

// UploadedBytes returns the cumulative bytes recorded for group n.
func (r *Router) UploadedBytes(n int) int64 {
	g, ok := r.groups[n]
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uploadedBytes
}

// AvailableRemotes counts the selectable remotes of group n.
func (r *Router) AvailableRemotes(n int) int {
	g, ok := r.groups[n]
	if !ok {
		return 0
	}
	return len(g.available())
}

func (r *Router) recoverGroup(g *group) {
	for _, name := range g.remotes {
		if g.status[name].TryRecover(remotehealth.DefaultRecoveryWindow) {
			r.logger.Info().Str("remote", name).Msg("remote auto-recovered")
			r.events.Emit(events.EventRemoteRecovered, "remote auto-recovered", "remote", name)
		}
	}
}

// RunAutoRecovery periodically re-enables unhealthy remotes whose last
// error has aged past the recovery window. Blocks until ctx is done.
func (r *Router) RunAutoRecovery(ctx context.Context) {
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range r.order {
				r.recoverGroup(r.groups[n])
			}
		}
	}
}

// RemoteHealth is one remote's entry in a health snapshot.
type RemoteHealth struct {
	remotehealth.Snapshot
	Role          string `json:"role"`
	DaemonRunning bool   `json:"daemon_running"`
	DaemonURL     string `json:"daemon_url,omitempty"`
}

// GroupHealth is the point-in-time view of one group.
type GroupHealth struct {
	Group            int            `json:"group"`
	Prefix           string         `json:"prefix"`
	TotalRemotes     int            `json:"total_remotes"`
	AvailableRemotes int            `json:"available_remotes"`
	HealthyRemotes   int            `json:"healthy_remotes"`
	DaemonsRunning   int            `json:"daemons_running"`
	UploadedBytes    int64          `json:"uploaded_bytes"`
	QuotaBytes       int64          `json:"quota_bytes"`
	IsFull           bool           `json:"is_full"`
	FullSince        time.Time      `json:"full_since,omitempty"`
	FullReason       string         `json:"full_reason,omitempty"`
	Remotes          []RemoteHealth `json:"remotes"`
}

// Health snapshots one group.
func (r *Router) Health(n int) (GroupHealth, error) {
	g, ok := r.groups[n]
	if !ok {
		return GroupHealth{}, fmt.Errorf("%w: %d", ErrUnknownGroup, n)
	}

	gh := GroupHealth{
		Group:        n,
		Prefix:       pathgroup.Prefix(n),
		TotalRemotes: len(g.remotes),
	}

	g.mu.Lock()
	gh.UploadedBytes = g.uploadedBytes
	gh.QuotaBytes = g.spec.QuotaBytes
	gh.IsFull = g.isFull
	gh.FullSince = g.fullSince
	gh.FullReason = g.fullReason
	g.mu.Unlock()

	for _, name := range g.remotes {
		snap := g.status[name].SnapshotNow()
		rh := RemoteHealth{Snapshot: snap, Role: "backup"}
		if name == g.spec.Primary {
			rh.Role = "primary"
		}
		if r.sup != nil {
			if url, ok := r.sup.URLOf(name); ok {
				rh.DaemonRunning = true
				rh.DaemonURL = url
				gh.DaemonsRunning++
			}
		}
		if snap.Available {
			gh.AvailableRemotes++
		}
		if snap.Healthy {
			gh.HealthyRemotes++
		}
		gh.Remotes = append(gh.Remotes, rh)
	}
	return gh, nil
}

// HealthAll snapshots every group in ascending order.
func (r *Router) HealthAll() []GroupHealth {
	out := make([]GroupHealth, 0, len(r.order))
	for _, n := range r.order {
		gh, err := r.Health(n)
		if err == nil {
			out = append(out, gh)
		}
	}
	return out
}
