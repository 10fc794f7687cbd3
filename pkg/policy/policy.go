// Package policy decides which storage group receives new writes. The
// decision is persisted in <state dir>/active_group.txt, which is the
// single authority across restarts and workers sharing the state dir.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/pathgroup"
	"github.com/pagerelay/pagerelay/pkg/router"
)

// StateFileName is the file holding the active group number.
const StateFileName = "active_group.txt"

var errMalformedState = errors.New("malformed state file")

// Service owns the active write group.
type Service struct {
	mu         sync.Mutex
	path       string
	router     *router.Router
	autoSwitch bool
	active     int
	events     *events.Broker
	logger     zerolog.Logger
}

// New loads the active group from the state file, falling back to the
// lowest configured group when the file is missing or names a group that
// is not configured. Groups below the active one are marked full on
// startup: writes never go backwards.
func New(stateDir string, r *router.Router, autoSwitch bool) (*Service, error) {
	groups := r.Groups()
	if len(groups) == 0 {
		return nil, fmt.Errorf("no storage groups configured")
	}

	s := &Service{
		path:       filepath.Join(stateDir, StateFileName),
		router:     r,
		autoSwitch: autoSwitch,
		active:     groups[0],
		logger:     log.WithComponent("policy"),
	}

	n, err := s.readState()
	switch {
	case err == nil && r.HasGroup(n):
		s.active = n
	case err == nil:
		s.logger.Warn().Int("group", n).Msg("state file names an unconfigured group, resetting to lowest")
		if err := s.writeState(s.active); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) || errors.Is(err, errMalformedState):
		if err := s.writeState(s.active); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	s.sealLowerGroups(s.active, "superseded on startup")
	s.logger.Info().Int("group", s.active).Msg("active write group loaded")
	return s, nil
}

// WithEvents publishes group switches to the broker.
func (s *Service) WithEvents(b *events.Broker) *Service {
	s.events = b
	return s
}

// Active returns the current write group. With auto-switch enabled a
// full active group is skipped: the lowest non-full higher group takes
// over and is persisted.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.autoSwitch || !s.router.IsGroupFull(s.active) {
		return s.active
	}
	for _, g := range s.router.Groups() {
		if g <= s.active || s.router.IsGroupFull(g) {
			continue
		}
		if err := s.writeState(g); err != nil {
			s.logger.Error().Err(err).Int("group", g).Msg("failed to persist group advance")
			return s.active
		}
		s.logger.Warn().Int("from", s.active).Int("to", g).Msg("active group is full, advancing")
		s.events.Emit(events.EventGroupSwitched, "active group is full, advancing",
			"from", strconv.Itoa(s.active), "to", strconv.Itoa(g))
		s.active = g
		return g
	}
	return s.active
}

// SetActive switches the write group to n, persists it, and seals every
// lower group.
func (s *Service) SetActive(n int) error {
	if !s.router.HasGroup(n) {
		return fmt.Errorf("%w: %d", router.ErrUnknownGroup, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.active {
		return nil
	}
	if err := s.writeState(n); err != nil {
		return err
	}
	prev := s.active
	s.active = n
	s.sealLowerGroups(n, "superseded by group switch")
	s.logger.Info().Int("from", prev).Int("to", n).Msg("active write group switched")
	s.events.Emit(events.EventGroupSwitched, "active write group switched",
		"from", strconv.Itoa(prev), "to", strconv.Itoa(n))
	return nil
}

// NextGroup returns the configured group directly above n, if any.
func (s *Service) NextGroup(n int) (int, bool) {
	for _, g := range s.router.Groups() {
		if g > n {
			return g, true
		}
	}
	return 0, false
}

// AdvanceOnQuota handles a quota exhaustion on group from. The group is
// marked full; when auto-switch is enabled and a higher group exists the
// active group advances to it. Returns the group writes should use next.
func (s *Service) AdvanceOnQuota(from string, group int) (int, bool) {
	s.router.MarkGroupFull(group, "quota exceeded on "+from)

	if !s.autoSwitch {
		return group, false
	}
	next, ok := s.NextGroup(group)
	if !ok {
		s.logger.Error().Int("group", group).Msg("quota exhausted and no higher group configured")
		return group, false
	}
	if err := s.SetActive(next); err != nil {
		s.logger.Error().Err(err).Int("group", next).Msg("failed to advance active group")
		return group, false
	}
	return next, true
}

// Target is where new writes go.
type Target struct {
	Group   int
	Primary string
	Backups []string
	Prefix  string
}

// WriteTarget resolves the active group to its remotes and path prefix.
func (s *Service) WriteTarget() Target {
	g := s.Active()
	primary, _ := s.router.Primary(g)
	return Target{
		Group:   g,
		Primary: primary,
		Backups: s.router.Backups(g),
		Prefix:  pathgroup.Prefix(g),
	}
}

// PathFor prefixes rel with the active group's marker.
func (s *Service) PathFor(rel string) string {
	return pathgroup.Mark(rel, s.Active())
}

// StatePath returns the location of the state file.
func (s *Service) StatePath() string {
	return s.path
}

func (s *Service) sealLowerGroups(active int, reason string) {
	for _, g := range s.router.Groups() {
		if g < active {
			s.router.MarkGroupFull(g, reason)
		}
	}
}

func (s *Service) readState() (int, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s: %q", errMalformedState, s.path, strings.TrimSpace(string(raw)))
	}
	return n, nil
}

// writeState writes the group number through a temp file and rename so a
// crash never leaves a truncated state file.
func (s *Service) writeState(n int) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(n)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
